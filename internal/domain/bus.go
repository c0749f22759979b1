package domain

// TriggerBus routes reply triggers from the platform event handler to the
// dispatcher.
type TriggerBus interface {
	Publish(trig Trigger)
	Subscribe() <-chan Trigger
	Close()
}
