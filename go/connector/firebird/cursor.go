package firebird

import "time"

type cursorMode int

const (
	// modeTime anchors the very first polls to a timestamp (today 00:00
	// local) until the log yields its first rows.
	modeTime cursorMode = iota
	// modeID polls strictly by log id once a batch has been committed.
	modeID
)

// logCursor is the ingestor's position in the DELIVERYLOG table. A batch is
// first prepared, then either committed after it was fully processed or
// rolled back so the same rows are fetched again next cycle. The rollback
// path is what gives failed detail fetches dead-letter behavior.
type logCursor struct {
	mode    cursorMode
	since   time.Time
	lastID  int64
	pending int64
	dirty   bool
}

func newLogCursor(anchor time.Time) *logCursor {
	return &logCursor{mode: modeTime, since: anchor}
}

// Prepare records maxID as the candidate next position. It must be called
// with the max id of a non-empty batch before that batch is processed.
func (c *logCursor) Prepare(maxID int64) {
	c.pending = maxID
	c.dirty = true
}

// Commit advances the cursor to the prepared position and, on the first
// committed batch, transitions from time mode to id mode.
func (c *logCursor) Commit() {
	if !c.dirty {
		return
	}
	c.mode = modeID
	c.lastID = c.pending
	c.dirty = false
}

// Rollback discards the prepared position. The mode and committed id are
// untouched, so the next fetch returns the same batch.
func (c *logCursor) Rollback() {
	c.pending = 0
	c.dirty = false
}
