package frontier

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCrawlURIRecordRoundTrip(t *testing.T) {
	t.Parallel()

	in := CrawlURI{
		URI:          "https://a.com/x?y=1",
		Via:          "https://a.com/",
		PathFromSeed: "LLE",
		ClassKey:     "a.com",
		Priority:     3,
		Cost:         200,
		Ordinal:      1 << 50,
		Attempts:     2,
		Attributes:   map[string]string{"b": "2", "a": "1"},
		HolderKey:    []byte("ignored"),
	}
	data, err := in.MarshalBinary()
	require.NoError(t, err)

	again, err := in.MarshalBinary()
	require.NoError(t, err)
	require.Equal(t, data, again, "attribute order must not change the encoding")

	var out CrawlURI
	require.NoError(t, out.UnmarshalBinary(data))
	in.HolderKey = nil
	require.Equal(t, in, out)
}

func TestCrawlURIRecordRejectsGarbage(t *testing.T) {
	t.Parallel()

	good, err := CrawlURI{URI: "https://a.com/", ClassKey: "a.com"}.MarshalBinary()
	require.NoError(t, err)

	tests := map[string][]byte{
		"empty":     nil,
		"version":   append([]byte{9}, good[1:]...),
		"truncated": good[:len(good)-2],
		"trailing":  append(append([]byte{}, good...), 0x01),
		"huge len":  {itemCodecV1, 0xFF, 0xFF, 0x03},
	}
	for name, data := range tests {
		var u CrawlURI
		require.ErrorIs(t, u.UnmarshalBinary(data), ErrBadRecord, name)
	}

	_, err = CrawlURI{Priority: -1}.MarshalBinary()
	require.ErrorIs(t, err, ErrBadRecord)
}

func TestPolitenessDelay(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		p    Politeness
		cost int64
		want time.Duration
	}{
		{name: "minimum wins", p: Politeness{MinimumDelay: time.Second, DelayFactor: 1}, cost: 10, want: time.Second},
		{name: "factor wins", p: Politeness{MinimumDelay: time.Second, DelayFactor: 5}, cost: 400, want: 2 * time.Second},
		{name: "disabled", p: Politeness{}, cost: 1000, want: 0},
		{name: "never negative", p: Politeness{MinimumDelay: -time.Second}, cost: 0, want: 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, tc.p.Delay(tc.cost))
		})
	}
}

func TestSnoozeSetOrdersByWakeThenClassKey(t *testing.T) {
	t.Parallel()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := newSnoozeSet()
	s.add("c.com", base.Add(2*time.Second))
	s.add("b.com", base.Add(time.Second))
	s.add("a.com", base.Add(time.Second))
	s.add("d.com", base.Add(5*time.Second))
	s.add("c.com", base.Add(time.Second))
	require.True(t, s.remove("d.com"))
	require.False(t, s.remove("d.com"))

	at, ok := s.earliest()
	require.True(t, ok)
	require.Equal(t, base.Add(time.Second), at)
	require.Empty(t, s.popDue(base))
	require.Equal(t, []string{"a.com", "b.com", "c.com"}, s.popDue(base.Add(time.Second)))
	require.Zero(t, s.Len())
}

func TestSequence(t *testing.T) {
	t.Parallel()

	var s Sequence
	require.Equal(t, uint64(1), s.Next())
	s.Observe(10)
	s.Observe(4)
	require.Equal(t, uint64(10), s.Last())
	require.Equal(t, uint64(11), s.Next())
}

func TestHostClassKey(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"https://Example.COM/a?b=c": "example.com",
		"http://a.com:8080/":        "a.com",
		"https://[::1]:443/":        "::1",
		"mailto:someone@a.com":      "",
		"/relative/path":            "",
		"%zz":                       "",
	}
	for in, want := range tests {
		require.Equal(t, want, HostClassKey(in), in)
	}
}
