package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmitter_FireInOrder(t *testing.T) {
	var e Emitter[int]
	var got []int

	sub := e.Subscribe(func(v int) { got = append(got, v) })
	e.Fire(1)
	e.Fire(2)
	sub.Release()
	e.Fire(3)

	assert.Equal(t, []int{1, 2}, got)
	assert.Equal(t, 0, e.Len())
}

func TestEmitter_Close(t *testing.T) {
	var e Emitter[string]
	calls := 0
	e.Subscribe(func(string) { calls++ })

	e.Close()
	e.Fire("ignored")

	assert.Equal(t, 0, calls)
	e.Subscribe(func(string) { calls++ }).Release()
}

func TestScope_ReleasesEverything(t *testing.T) {
	var a, b Emitter[int]
	count := 0

	scope := NewScope()
	scope.Add(a.Subscribe(func(int) { count++ }))
	scope.Add(b.Subscribe(func(int) { count++ }))

	a.Fire(1)
	b.Fire(1)
	assert.Equal(t, 2, count)

	scope.Release()
	assert.True(t, scope.Released())

	a.Fire(1)
	b.Fire(1)
	assert.Equal(t, 2, count)

	// Adding to a released scope releases immediately.
	scope.Add(a.Subscribe(func(int) { count++ }))
	a.Fire(1)
	assert.Equal(t, 2, count)
}

func TestObservable_FiresOnlyOnChange(t *testing.T) {
	o := NewObservable(0.0)
	var seen []float64
	sub := o.Subscribe(func(v float64) { seen = append(seen, v) })
	defer sub.Release()

	o.Set(0.5)
	o.Set(0.5)
	o.Set(1)

	assert.Equal(t, []float64{0.5, 1}, seen)
	assert.Equal(t, 1.0, o.Get())
}
