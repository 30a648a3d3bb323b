package logger

import (
	"log/slog"
	"testing"
	"time"

	p2ptest "github.com/libp2p/go-libp2p/core/test"
	"github.com/stretchr/testify/require"
)

func Test_formatTimeAttr(t *testing.T) {
	t.Run("empty format string", func(t *testing.T) {
		require.Nil(t, formatTimeAttr(""))
	})

	t.Run("format: none", func(t *testing.T) {
		f := formatTimeAttr("none")
		require.NotNil(t, f)
		now := time.Now()
		require.Equal(t, slog.Attr{}, f(nil, slog.Time(slog.TimeKey, now)))
		a := f(nil, slog.Time("foo", now))
		require.True(t, a.Equal(slog.Time("foo", now)))
	})

	t.Run("format: format string", func(t *testing.T) {
		f := formatTimeAttr("15:04:05.0000")
		require.NotNil(t, f)
		require.Equal(t, slog.Time(slog.TimeKey, time.Time{}), f(nil, slog.Time(slog.TimeKey, time.Time{})))

		now := time.Now()
		a := f(nil, slog.Time(slog.TimeKey, now))
		require.Equal(t, now.Format("15:04:05.0000"), a.Value.String())
	})
}

func Test_composeAttrFmt(t *testing.T) {
	b0 := func(groups []string, a slog.Attr) slog.Attr { return slog.Int64(a.Key, a.Value.Int64()+1) }
	b1 := func(groups []string, a slog.Attr) slog.Attr { return slog.Int64(a.Key, a.Value.Int64()+2) }
	b2 := func(groups []string, a slog.Attr) slog.Attr { return slog.Int64(a.Key, a.Value.Int64()+4) }
	b3 := func(groups []string, a slog.Attr) slog.Attr { return slog.Int64(a.Key, a.Value.Int64()+8) }

	require.Nil(t, composeAttrFmt())
	require.Nil(t, composeAttrFmt(nil, nil))

	a := composeAttrFmt(nil, b1, nil)(nil, slog.Int64("test", 0))
	require.EqualValues(t, 2, a.Value.Int64())

	a = composeAttrFmt(b0, nil, b1)(nil, slog.Int64("test", 0))
	require.EqualValues(t, 3, a.Value.Int64())

	a = composeAttrFmt(b0, b1, b2, b3)(nil, slog.Int64("test", 0))
	require.EqualValues(t, 15, a.Value.Int64())
}

func Test_formatLevelAttr(t *testing.T) {
	a := formatLevelAttr(nil, slog.Any(slog.LevelKey, LevelTrace))
	require.Equal(t, "TRACE", a.Value.String())

	a = formatLevelAttr(nil, slog.Any(slog.LevelKey, slog.LevelDebug))
	require.Equal(t, slog.LevelDebug, a.Value.Any())
}

func Test_dataName(t *testing.T) {
	type myData struct {
		v int
	}
	var testCases = []struct {
		value slog.Value
		name  string
	}{
		{value: slog.BoolValue(true), name: "Bool"},
		{value: slog.Uint64Value(90), name: "Uint64"},
		{value: slog.StringValue("foobar"), name: "String"},
		{value: slog.AnyValue(555), name: "Int64"},
		{value: slog.AnyValue(myData{42}), name: "logger_myData"},
		{value: slog.AnyValue(&myData{42}), name: "logger_myData"},
	}
	for n, tc := range testCases {
		if name := dataName(tc.value); tc.name != name {
			t.Errorf("[%d] expected %q got %q for %#v", n, tc.name, name, tc.value.Any())
		}
	}
}

func Test_formatPeerIDAttr(t *testing.T) {
	peerID, err := p2ptest.RandPeerID()
	require.NoError(t, err)

	require.Equal(t, slog.Attr{}, formatPeerIDAttr("none")(nil, PeerID(peerID)))

	a := formatPeerIDAttr("short")(nil, PeerID(peerID))
	require.Equal(t, PeerKey, a.Key)
	require.Len(t, a.Value.String(), 9)

	require.Nil(t, formatPeerIDAttr("long"))
}

func Test_formatDataAttrAsJSON(t *testing.T) {
	type sampleData struct {
		Name  string
		Value string
	}
	a := formatDataAttrAsJSON(nil, Data(&sampleData{Name: "Test", Value: "JSON"}))
	require.Equal(t, DataKey, a.Key)
	require.Equal(t, `{"Name":"Test","Value":"JSON"}`, a.Value.String())
}

func Test_formatAttrConsole(t *testing.T) {
	a := formatAttrConsole(nil, slog.String(slog.MessageKey, "msg"))
	require.Equal(t, "msg", a.Value.String())
	require.Equal(t, slog.Attr{}, formatAttrConsole(nil, Height(5)))
}

func Test_formatAttrECS(t *testing.T) {
	a := formatAttrECS(nil, slog.String(slog.MessageKey, "sample"))
	require.Equal(t, "message", a.Key)

	a = formatAttrECS(nil, NodeID("V1"))
	require.Equal(t, "service", a.Key)
	require.Equal(t, "node", a.Value.Group()[0].Key)
	require.Equal(t, "V1", a.Value.Group()[0].Value.Group()[0].Value.String())

	a = formatAttrECS(nil, slog.String(ErrorKey, "boom"))
	require.Equal(t, "error", a.Key)
	require.Equal(t, "boom", a.Value.Group()[0].Value.String())

	a = formatAttrECS(nil, Data("sample"))
	require.Equal(t, DataKey, a.Key)
	require.Equal(t, "String", a.Value.Group()[0].Key)

	src := &slog.Source{Function: "github.com/habibyte/habibyte/node.(*Node).loop", File: "node.go", Line: 10}
	a = formatAttrECS(nil, slog.Any(slog.SourceKey, src))
	require.Equal(t, "log", a.Key)
	require.Equal(t, "(*Node).loop", a.Value.Group()[0].Value.Group()[0].Value.String())
}
