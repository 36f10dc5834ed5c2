package event

// Plugin is an enrichment hook invoked around each flush. Both callbacks
// are optional; a nil callback is skipped. BeforeSend may mutate, filter,
// or reorder the batch and returns the batch to deliver. AfterSend is
// side-effect only and receives the final batch plus the delivery outcome.
//
// The engine isolates each hook: a panic or misbehaving plugin is logged
// with its name and lifecycle phase and never aborts the chain.
type Plugin struct {
	Name       string
	BeforeSend func(batch []*Event) []*Event
	AfterSend  func(batch []*Event, success bool)
}
