package contracts

// Validatable is implemented by messages that can check their own invariants.
// Inbound messages failing validation are dropped by the handlers that care.
type Validatable interface {
	Validate() error
}

// Named is implemented by messages that carry their own logical channel name,
// so subscribers and publishers can omit it.
type Named interface {
	MessageName() string
}

// Validate runs msg.Validate when msg implements Validatable.
// A nil message is never valid.
func Validate(msg interface{}) error {
	if msg == nil {
		return ErrNilMessage
	}
	if v, ok := msg.(Validatable); ok {
		return v.Validate()
	}
	return nil
}
