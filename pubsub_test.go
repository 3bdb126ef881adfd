package entdb

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLocalBroker(t *testing.T) {
	b := NewLocalBroker()
	ch1, unsub1 := b.Subscribe("a")
	ch2, unsub2 := b.Subscribe("a")
	other, unsubOther := b.Subscribe("b")
	defer unsubOther()
	assert.Equal(t, 2, b.SubscriberCount("a"))

	b.Publish("a", []byte("1"))
	b.Publish("a", []byte("2")) // dropped, nobody consumed "1" yet
	assert.Equal(t, []byte("1"), <-ch1)
	assert.Equal(t, []byte("1"), <-ch2)
	assert.Empty(t, other)

	unsub1()
	unsub1()
	assert.Equal(t, 1, b.SubscriberCount("a"))
	b.Publish("a", []byte("3"))
	assert.Empty(t, ch1)
	assert.Equal(t, []byte("3"), <-ch2)

	unsub2()
	assert.Equal(t, 0, b.SubscriberCount("a"))
	b.Publish("nobody", nil)
}
