package console

import "time"

type NoticeKind string

const (
	NoticeGPSStale     NoticeKind = "gps_stale"
	NoticeGPSRestored  NoticeKind = "gps_restored"
	NoticeUpstreamLost NoticeKind = "upstream_lost"
	NoticeMediaError   NoticeKind = "media_error"
	NoticePlayerFault  NoticeKind = "player_fault"
)

// Notice is an operator-facing alert raised by this console
type Notice struct {
	Kind    NoticeKind `json:"kind"`
	Message string     `json:"message"`
	Time    time.Time  `json:"time"`
}

// OnNotice registers fn for every notice; it runs on the loop
func (c *Console) OnNotice(fn func(Notice)) {
	c.notices = append(c.notices, fn)
}

func (c *Console) notify(kind NoticeKind, msg string) {
	c.logger.Warn("Notice", "kind", kind, "message", msg)
	n := Notice{Kind: kind, Message: msg, Time: c.loop.Now()}
	for _, fn := range c.notices {
		fn(n)
	}
}
