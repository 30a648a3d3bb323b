package logger

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"reflect"
	"slices"
	"strings"

	"github.com/libp2p/go-libp2p/core/peer"
)

/*
Log attribute keys. Generally shouldn't be used directly, use the
attribute constructor functions instead.
*/
const (
	NodeIDKey = "node_id"
	ModuleKey = "module"
	ErrorKey  = "err"
	HeightKey = "height"
	TxIDKey   = "tx_id"
	PeerKey   = "peer"
	DataKey   = "data"
)

/*
NodeID adds the validator identifier of the node.

Use it with logger.With() to create sub-logger for the node rather than
adding it to individual logging calls.
*/
func NodeID(id string) slog.Attr {
	return slog.String(NodeIDKey, id)
}

func Module(name string) slog.Attr {
	return slog.String(ModuleKey, name)
}

/*
Error adds error to the log

	if err:= f(); err != nil {
		log.Error("calling f", logger.Error(err))
	}
*/
func Error(err error) slog.Attr {
	return slog.Any(ErrorKey, err)
}

// Height of the block the logging call is about.
func Height(h uint64) slog.Attr {
	return slog.Uint64(HeightKey, h)
}

func TxID(id string) slog.Attr {
	return slog.String(TxIDKey, id)
}

// PeerID logs remote peer, output is affected by the PeerIDFormat setting.
func PeerID(id peer.ID) slog.Attr {
	return slog.Any(PeerKey, id)
}

/*
Data adds additional data field to the message.

In the ECS format the value is nested under its type name so avoid
anonymous types and groups as data.
*/
func Data(d any) slog.Attr {
	return slog.Any(DataKey, d)
}

/*
composeAttrFmt combines attribute formatters into single func, nil
values are discarded.
*/
func composeAttrFmt(f ...func(groups []string, a slog.Attr) slog.Attr) func(groups []string, a slog.Attr) slog.Attr {
	f = slices.DeleteFunc(f, func(f func(groups []string, a slog.Attr) slog.Attr) bool { return f == nil })
	switch len(f) {
	case 0:
		return nil
	case 1:
		return f[0]
	default:
		return func(groups []string, a slog.Attr) slog.Attr {
			for _, fn := range f {
				a = fn(groups, a)
			}
			return a
		}
	}
}

func formatLevelAttr(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey && len(groups) == 0 {
		if lvl, ok := a.Value.Any().(slog.Level); ok && lvl <= LevelTrace {
			a.Value = slog.StringValue("TRACE")
		}
	}
	return a
}

func formatTimeAttr(format string) func(groups []string, a slog.Attr) slog.Attr {
	switch format {
	case "":
		return nil
	case "none":
		return func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.Attr{}
			}
			return a
		}
	default:
		return func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t := a.Value.Time(); !t.IsZero() {
					a.Value = slog.StringValue(t.Format(format))
				}
			}
			return a
		}
	}
}

func formatPeerIDAttr(format string) func(groups []string, a slog.Attr) slog.Attr {
	switch format {
	case "none":
		return func(groups []string, a slog.Attr) slog.Attr {
			if a.Value.Kind() == slog.KindAny {
				if _, ok := a.Value.Any().(peer.ID); ok {
					return slog.Attr{}
				}
			}
			return a
		}
	case "short":
		return func(groups []string, a slog.Attr) slog.Attr {
			if a.Value.Kind() == slog.KindAny {
				if id, ok := a.Value.Any().(peer.ID); ok {
					a.Value = slog.StringValue(shortPeerID(id.String()))
				}
			}
			return a
		}
	default:
		return nil
	}
}

func shortPeerID(pid string) string {
	if len(pid) > 10 {
		return fmt.Sprintf("%s*%s", pid[:2], pid[len(pid)-6:])
	}
	return pid
}

func formatDataAttrAsJSON(groups []string, a slog.Attr) slog.Attr {
	if a.Key == DataKey && a.Value.Kind() == slog.KindAny {
		if b, err := json.Marshal(a.Value.Any()); err == nil {
			a.Value = slog.StringValue(string(b))
		}
	}
	return a
}

/*
formatAttrConsole keeps only level, message and error, meant for the
output of the CLI client commands.
*/
func formatAttrConsole(groups []string, a slog.Attr) slog.Attr {
	switch a.Key {
	case slog.LevelKey, slog.MessageKey, ErrorKey:
		return a
	default:
		return slog.Attr{}
	}
}

/*
formatAttrECS formats some well known attributes according to the
Elastic Common Schema.
*/
func formatAttrECS(groups []string, a slog.Attr) slog.Attr {
	switch a.Key {
	case slog.MessageKey:
		return slog.String("message", a.Value.String())
	case slog.SourceKey:
		if src, ok := a.Value.Any().(*slog.Source); ok {
			trimSource(src)
			return slog.Group(
				"log",
				slog.Group(
					"origin",
					slog.String("function", src.Function),
					slog.Group("file", slog.String("name", src.File), slog.Int("line", src.Line)),
				),
			)
		}
	case NodeIDKey:
		return slog.Group("service", slog.Group("node", slog.Any("name", a.Value)))
	case ErrorKey:
		return slog.Group("error", slog.Any("message", a.Value.Any()))
	case DataKey:
		// nest the value under its type name so that different data types do not conflict in the index
		return slog.Group(DataKey, slog.Any(dataName(a.Value), a.Value))
	}
	return a
}

/*
dataName returns name of the data type of "v", suitable to act as a
"namespace" for the value in ECS format.
*/
func dataName(v slog.Value) string {
	switch v.Kind() {
	case slog.KindAny, slog.KindLogValuer:
		rt := reflect.TypeOf(v.Any())
		return strings.ReplaceAll(strings.TrimLeft(rt.String(), "*"), ".", "_")
	default:
		return v.Kind().String()
	}
}

// trimSource strips the package path from the function name.
func trimSource(src *slog.Source) {
	_, src.Function = filepath.Split(src.Function)
	if s := strings.SplitAfterN(src.Function, ".", 2); len(s) == 2 {
		src.Function = s[1]
	}
}
