package models

import "time"

// CDR is the immutable record of one finished call. It is written exactly
// once, when the call is terminated or cancelled.
type CDR struct {
	// Seq is the position of the record in the ordered log (1-based).
	Seq         int64
	ID          string
	CallID      string
	From        string // originator user id
	To          string // dialed destination
	Route       string // registered_user, conference, queue, voicemail
	Transport   string
	Source      string
	StartTime   time.Time
	AnswerTime  *time.Time
	EndTime     time.Time
	Duration    time.Duration
	FinalState  string // terminated | cancelled
	Disposition string // answered, cancelled, no_answer, failed
	HangupCause string

	MediaVersion     string
	MediaOrigin      string
	MediaSessionName string
	MediaLines       []string

	CallerScreenReader bool
	CalleeScreenReader bool

	RecordedAt time.Time
}
