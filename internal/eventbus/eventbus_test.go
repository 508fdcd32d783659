package eventbus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

type ping struct{ n int }
type pong struct{}

func TestPublishDeliversByType(t *testing.T) {
	b := New()
	var got []int
	unsubscribe := Subscribe(b, func(_ context.Context, e ping) { got = append(got, e.n) })
	Subscribe(b, func(context.Context, pong) { t.Fatal("unexpected pong") })

	Publish(context.Background(), b, ping{1})
	assert.True(t, Has[ping](b))
	unsubscribe()
	Publish(context.Background(), b, ping{2})

	assert.Equal(t, []int{1}, got)
	assert.False(t, Has[ping](b))
}

func TestUnsubscribeRemovesOnlyOwnHandler(t *testing.T) {
	b := New()
	var a, c int
	unsubA := Subscribe(b, func(context.Context, ping) { a++ })
	Subscribe(b, func(context.Context, ping) { c++ })

	unsubA()
	Publish(context.Background(), b, ping{})
	assert.Equal(t, 0, a)
	assert.Equal(t, 1, c)
}

func TestNilBus(t *testing.T) {
	var b *Bus
	Publish(context.Background(), b, ping{})
	Subscribe(b, func(context.Context, ping) {})()
	assert.False(t, Has[ping](b))
}
