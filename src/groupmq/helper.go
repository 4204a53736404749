package groupmq

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

const keyPrefix = "groupmq:"

// NamespaceBase returns the key prefix every structure of a namespace lives
// under. The namespace is wrapped in a hash tag unless it already carries
// one, so all keys of a queue map to the same cluster slot.
func NamespaceBase(namespace string) string {
	if containsHashTag(namespace) {
		return keyPrefix + namespace
	}
	return keyPrefix + "{" + namespace + "}"
}

// NamespaceAnchor is the single declared key passed to every script.
func NamespaceAnchor(namespace string) string {
	return NamespaceBase(namespace) + ":meta"
}

func NowMs() int64 {
	return time.Now().UnixMilli()
}

func NewJobID() string {
	return ulid.Make().String()
}

func AsStr(v any) string {
	if v == nil {
		return ""
	}

	switch t := v.(type) {
	case []byte:
		return string(t)
	case string:
		return t
	default:
		return fmt.Sprint(v)
	}
}

func containsHashTag(s string) bool {
	hasOpen := false
	for _, r := range s {
		if r == '{' {
			hasOpen = true
		}
		if hasOpen && r == '}' {
			return true
		}
	}
	return false
}

func asAnySlice(v any) ([]any, bool) {
	switch t := v.(type) {
	case []any:
		return t, true
	default:
		return nil, false
	}
}

func toInt64(v any) (int64, error) {
	if v == nil {
		return 0, errors.New("nil")
	}
	switch t := v.(type) {
	case int:
		return int64(t), nil
	case int64:
		return t, nil
	case float64:
		return int64(t), nil
	case string:
		return parseIntLoose(t)
	case []byte:
		return parseIntLoose(string(t))
	default:
		return parseIntLoose(AsStr(t))
	}
}

// parseIntLoose accepts "12", " 12 " and "12.0"; Lua number formatting is
// not consistent across Redis versions.
func parseIntLoose(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	return int64(f), nil
}

func toInt(v any) (int, error) {
	n, err := toInt64(v)
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func jsonCompactNoEscape(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	if err := enc.Encode(v); err != nil {
		return "", err
	}

	b := bytes.TrimRight(buf.Bytes(), "\n")
	return string(b), nil
}

func splitKeysArgs(numkeys int, args []any) ([]string, []any) {
	if numkeys <= 0 {
		return nil, args
	}

	if numkeys > len(args) {
		return nil, args
	}

	keys := make([]string, 0, numkeys)
	for i := 0; i < numkeys; i++ {
		keys = append(keys, AsStr(args[i]))
	}

	argv := args[numkeys:]
	return keys, argv
}

// replyReason extracts the reason word of an {"ERR", reason} script reply.
func replyReason(arr []any) string {
	if len(arr) > 1 {
		return AsStr(arr[1])
	}
	return "UNKNOWN"
}

func msToDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
