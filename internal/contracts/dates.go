package contracts

const (
	allDayLen = len("2006-01-02")
	minuteLen = len("2006-01-02 15:04")
)

// StoreDateTime converts a calendar date-time into a value the store accepts.
// The store requires second precision, so a minute-precision value gets ":00"
// appended. All-day dates and values that already carry seconds pass through.
func StoreDateTime(v string) string {
	if len(v) != minuteLen {
		return v
	}
	return v + ":00"
}

// DisplayDateTime cuts a stored date-time back to minute precision for the
// calendar UI. Values of 16 characters or fewer are returned unchanged.
func DisplayDateTime(v string) string {
	if len(v) <= minuteLen {
		return v
	}
	return v[:minuteLen]
}

// IsAllDayValue reports whether v is in the 10-character all-day form.
func IsAllDayValue(v string) bool {
	return len(v) == allDayLen
}

// ForStore returns a copy of the create input with start/end normalized.
func (c CreateEvent) ForStore() CreateEvent {
	c.Start = StoreDateTime(c.Start)
	c.End = StoreDateTime(c.End)
	return c
}

// ForStore returns a copy of the patch with any present start/end normalized.
func (p EventPatch) ForStore() EventPatch {
	if p.Start != nil {
		p.Start = Ptr(StoreDateTime(*p.Start))
	}
	if p.End != nil {
		p.End = Ptr(StoreDateTime(*p.End))
	}
	return p
}

// ForDisplay returns a copy of the event with start/end in display form.
func (e Event) ForDisplay() Event {
	e.Start = DisplayDateTime(e.Start)
	e.End = DisplayDateTime(e.End)
	return e
}
