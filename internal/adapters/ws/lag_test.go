package ws

import (
	"testing"
	"time"

	"github.com/okian/tally/internal/domain/model"
	"github.com/okian/tally/internal/domain/types"
	"github.com/okian/tally/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

func init() {
	_ = logger.Init()
}

// attach registers a socketless client directly.
func attach(h *Hub, id string, role model.Role) *client {
	c := newClient(h, nil, model.Connection{ID: id, SessionID: "s1", Role: role})
	h.mu.Lock()
	if h.sessions["s1"] == nil {
		h.sessions["s1"] = make(map[string]*client)
	}
	h.sessions["s1"][id] = c
	h.mu.Unlock()
	return c
}

func TestSlowConsumer(t *testing.T) {
	Convey("Given a hub with a two-frame outbound queue", t, func() {
		now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		h := NewHub(nil, WithOutboundQueue(2), WithLagGrace(time.Second), WithClock(func() time.Time { return now }))
		slow := attach(h, "slow", model.RoleSpectator)
		fast := attach(h, "fast", model.RoleSpectator)

		for i := 0; i < 2; i++ {
			So(h.Broadcast("s1", types.MsgAggregateUpdate, nil, types.AudienceAll), ShouldEqual, 2)
			<-fast.send
		}

		Convey("A full queue drops the frame without blocking and marks the connection lagging", func() {
			So(h.Broadcast("s1", types.MsgAggregateUpdate, nil, types.AudienceAll), ShouldEqual, 1)
			So(slow.lagging(), ShouldBeTrue)
			So(fast.lagging(), ShouldBeFalse)
			So(len(slow.send), ShouldEqual, 2)

			Convey("Draining the queue clears the mark exactly once", func() {
				<-slow.send
				So(slow.recovered(), ShouldBeFalse)
				<-slow.send
				So(slow.recovered(), ShouldBeTrue)
				So(slow.recovered(), ShouldBeFalse)
			})

			Convey("Staying full past the grace period disconnects it", func() {
				now = now.Add(1500 * time.Millisecond)
				h.Broadcast("s1", types.MsgAggregateUpdate, nil, types.AudienceAll)
				_, open := <-slow.done
				So(open, ShouldBeFalse)
				So(h.Connections()["spectator"], ShouldEqual, 1)
			})

			Convey("The sweeper disconnects it even without further traffic", func() {
				now = now.Add(1500 * time.Millisecond)
				h.sweep()
				So(h.Connections()["spectator"], ShouldEqual, 1)
				So(fast.enqueue([]byte("{}")), ShouldBeTrue)
				So(slow.enqueue([]byte("{}")), ShouldBeFalse)
			})
		})
	})
}
