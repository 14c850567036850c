package reducer

import "github.com/hypertekorg/hyperstack/internal/wire"

// ResubscribeRequest builds the wire.Subscription a reconnecting client
// should send for one of its views: the original subscription with
// SinceSlot set to that view's current cursor, so a server that supports
// resume can skip re-sending entries the client already has (S5's
// reconnect scenario still holds even against a server that ignores the
// field — it just sends the full snapshot instead).
func (s *Store) ResubscribeRequest(name string, base wire.Subscription) wire.Subscription {
	base.View = name
	base.SinceSlot = s.View(name).Cursor()
	return base
}
