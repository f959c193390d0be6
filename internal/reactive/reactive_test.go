package reactive

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateSetOnlyNotifiesOnChange(t *testing.T) {
	rt := NewRuntime()
	count := NewState(rt, "count", 1)

	runs := 0
	NewEffect(rt, "observer", func() {
		count.Get()
		runs++
	})
	require.Equal(t, 1, runs)

	count.Set(1)
	assert.Equal(t, 1, runs, "equal value must not re-run subscribers")

	count.Set(2)
	assert.Equal(t, 2, runs)

	count.Update(func(v int) int { return v * 10 })
	assert.Equal(t, 20, count.Peek())
	assert.Equal(t, 3, runs)
}

func TestStateCustomEquality(t *testing.T) {
	rt := NewRuntime()
	m := NewState(rt, "map", map[string]int{"a": 1}).
		WithEqual(func(a, b map[string]int) bool { return false })

	runs := 0
	NewEffect(rt, "observer", func() {
		m.Get()
		runs++
	})

	m.Set(map[string]int{"a": 1})
	assert.Equal(t, 2, runs, "custom equality treats every set as a change")
}

func TestComputedIsLazyAndCached(t *testing.T) {
	rt := NewRuntime()
	a := NewState(rt, "a", 2)

	evaluations := 0
	double := NewComputed(rt, "double", func() (int, error) {
		evaluations++
		return a.Get() * 2, nil
	})
	assert.Equal(t, 0, evaluations, "computed must not run before it is read")

	v, err := double.Get()
	require.NoError(t, err)
	assert.Equal(t, 4, v)

	_, _ = double.Get()
	assert.Equal(t, 1, evaluations)

	a.Set(5)
	assert.Equal(t, 1, evaluations, "no reader, no recomputation")

	v, _ = double.Get()
	assert.Equal(t, 10, v)
	assert.Equal(t, 2, evaluations)
}

func TestUnchangedComputedDoesNotRerunDownstream(t *testing.T) {
	rt := NewRuntime()
	n := NewState(rt, "n", 3)
	parity := NewComputed(rt, "parity", func() (bool, error) {
		return n.Get()%2 == 0, nil
	})

	runs := 0
	NewEffect(rt, "observer", func() {
		_, _ = parity.Get()
		runs++
	})

	n.Set(5)
	assert.Equal(t, 1, runs, "parity unchanged, effect must not re-run")

	n.Set(6)
	assert.Equal(t, 2, runs)
}

func TestDiamondIsGlitchFree(t *testing.T) {
	rt := NewRuntime()
	a := NewState(rt, "a", 1)
	double := NewComputed(rt, "double", func() (int, error) { return a.Get() * 2, nil })
	triple := NewComputed(rt, "triple", func() (int, error) { return a.Get() * 3, nil })

	type snapshot struct{ a, double, triple int }
	var seen []snapshot
	NewEffect(rt, "observer", func() {
		d, _ := double.Get()
		tr, _ := triple.Get()
		seen = append(seen, snapshot{a.Get(), d, tr})
	})

	a.Set(2)

	require.Len(t, seen, 2)
	assert.Equal(t, snapshot{2, 4, 6}, seen[1])
}

func TestBatchRunsEffectsOncePerTick(t *testing.T) {
	rt := NewRuntime()
	x := NewState(rt, "x", 0)
	y := NewState(rt, "y", 0)
	sum := NewComputed(rt, "sum", func() (int, error) { return x.Get() + y.Get(), nil })

	var sums []int
	NewEffect(rt, "observer", func() {
		s, _ := sum.Get()
		// The snapshot must be consistent with the inputs.
		require.Equal(t, x.Get()+y.Get(), s)
		sums = append(sums, s)
	})

	rt.Batch(func() {
		x.Set(1)
		y.Set(2)
		x.Set(3)
	})

	assert.Equal(t, []int{0, 5}, sums)
}

func TestEffectsRunInCreationOrder(t *testing.T) {
	rt := NewRuntime()
	s := NewState(rt, "s", 0)

	var order []string
	for _, name := range []string{"first", "second", "third"} {
		name := name
		NewEffect(rt, name, func() {
			if s.Get() > 0 {
				order = append(order, name)
			}
		})
	}

	s.Set(1)
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestDynamicDependencies(t *testing.T) {
	rt := NewRuntime()
	useA := NewState(rt, "useA", true)
	a := NewState(rt, "a", "a0")
	b := NewState(rt, "b", "b0")

	var seen []string
	NewEffect(rt, "observer", func() {
		if useA.Get() {
			seen = append(seen, a.Get())
		} else {
			seen = append(seen, b.Get())
		}
	})

	useA.Set(false)
	a.Set("a1")
	assert.Equal(t, []string{"a0", "b0"}, seen, "a is no longer a dependency")

	b.Set("b1")
	assert.Equal(t, []string{"a0", "b0", "b1"}, seen)
}

func TestEffectStop(t *testing.T) {
	rt := NewRuntime()
	s := NewState(rt, "s", 0)

	runs := 0
	e := NewEffect(rt, "observer", func() {
		s.Get()
		runs++
	})
	e.Stop()

	s.Set(1)
	assert.Equal(t, 1, runs)
	assert.Empty(t, s.n.subs)
}

func TestDirectCircularDependency(t *testing.T) {
	rt := NewRuntime()
	var self *Computed[int]
	self = NewComputed(rt, "self", func() (int, error) {
		v, err := self.Get()
		return v + 1, err
	})

	_, err := self.Get()
	var circ *CircularDependencyError
	require.True(t, errors.As(err, &circ))
	assert.Equal(t, "self", circ.Cell)
}

func TestTransitiveCircularDependency(t *testing.T) {
	rt := NewRuntime()
	var first, second *Computed[int]
	first = NewComputed(rt, "first", func() (int, error) {
		return second.Get()
	})
	second = NewComputed(rt, "second", func() (int, error) {
		return first.Get()
	})

	_, err := first.Get()
	var circ *CircularDependencyError
	require.True(t, errors.As(err, &circ))
	assert.Equal(t, "first", circ.Cell)
}

func TestComputedErrorIsCached(t *testing.T) {
	rt := NewRuntime()
	input := NewState(rt, "input", -1)
	boom := errors.New("negative input")

	checked := NewComputed(rt, "checked", func() (int, error) {
		if v := input.Get(); v < 0 {
			return 0, boom
		}
		return input.Get(), nil
	})

	_, err := checked.Get()
	assert.ErrorIs(t, err, boom)

	input.Set(4)
	v, err := checked.Get()
	require.NoError(t, err)
	assert.Equal(t, 4, v)
}

func TestEffectLoopIsReported(t *testing.T) {
	var reported error
	rt := NewRuntime(WithErrorHandler(func(err error) { reported = err }))
	s := NewState(rt, "s", 0)

	NewEffect(rt, "runaway", func() {
		s.Set(s.Get() + 1)
	})
	require.NoError(t, reported)

	s.Set(100)
	assert.ErrorIs(t, reported, ErrEffectLoop)
}

func TestEffectPanicIsReported(t *testing.T) {
	var reported error
	rt := NewRuntime(WithErrorHandler(func(err error) { reported = err }))
	s := NewState(rt, "s", 0)

	runs := 0
	NewEffect(rt, "fragile", func() {
		runs++
		if s.Get() == 1 {
			panic("bad value")
		}
	})

	s.Set(1)
	require.Error(t, reported)
	assert.Contains(t, reported.Error(), "fragile")

	s.Set(2)
	assert.Equal(t, 3, runs, "effect keeps working after a panic")
}

func TestUntrackedRead(t *testing.T) {
	rt := NewRuntime()
	tracked := NewState(rt, "tracked", 0)
	ignored := NewState(rt, "ignored", 0)

	runs := 0
	NewEffect(rt, "observer", func() {
		tracked.Get()
		rt.Untracked(func() { ignored.Get() })
		runs++
	})

	ignored.Set(1)
	assert.Equal(t, 1, runs)
	tracked.Set(1)
	assert.Equal(t, 2, runs)
}
