package engine

// Disabled stands in when no provider could be constructed. Every toggle
// yields an empty transcript.
type Disabled struct {
	Reason error
	events chan Event
}

func NewDisabled(reason error) *Disabled {
	return &Disabled{Reason: reason, events: make(chan Event)}
}

func (d *Disabled) Name() string         { return "disabled" }
func (d *Disabled) Start()               {}
func (d *Disabled) StopQuick() string    { return "" }
func (d *Disabled) Release()             {}
func (d *Disabled) Shutdown()            {}
func (d *Disabled) IsListening() bool    { return false }
func (d *Disabled) AlwaysOn() bool       { return true }
func (d *Disabled) Events() <-chan Event { return d.events }
