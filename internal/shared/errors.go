package shared

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Sentinels for each error kind. ClassifiedError matches them through Is.
var (
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("validation failed")
	ErrAuth       = errors.New("authentication failed")
	// ErrNetwork: no response was received.
	ErrNetwork = errors.New("network failure")
	ErrServer  = errors.New("server error")
	// ErrClient: 4xx other than 401, 403 and 404.
	ErrClient = errors.New("client error")
)

// Kind is the category an error falls into for retry and routing decisions.
type Kind int

const (
	KindUnknown Kind = iota
	// KindNetwork covers refused connections, resets, DNS failures and timeouts.
	KindNetwork
	// KindServer covers 5xx responses.
	KindServer
	// KindClient covers 4xx responses other than 401, 403 and 404.
	KindClient
	// KindAuth covers 401 and 403.
	KindAuth
	// KindNotFound covers 404 and missing local records.
	KindNotFound
	// KindValidation covers input rejected before any remote call.
	KindValidation
	// KindCanceled covers caller cancellation.
	KindCanceled
)

var kinds = [...]struct {
	name     string
	sentinel error
}{
	KindUnknown:    {"UNKNOWN", nil},
	KindNetwork:    {"NETWORK", ErrNetwork},
	KindServer:     {"SERVER", ErrServer},
	KindClient:     {"CLIENT", ErrClient},
	KindAuth:       {"AUTH", ErrAuth},
	KindNotFound:   {"NOT_FOUND", ErrNotFound},
	KindValidation: {"VALIDATION", ErrValidation},
	KindCanceled:   {"CANCELED", nil},
}

// sentinelOrder decides KindOf for chains carrying several sentinels, as
// errors.Join can produce. Kinds that must not be retried come first.
var sentinelOrder = []Kind{KindAuth, KindNotFound, KindValidation, KindClient, KindServer, KindNetwork}

func (k Kind) valid() bool { return k >= 0 && int(k) < len(kinds) }

func (k Kind) String() string {
	if !k.valid() {
		k = KindUnknown
	}
	return kinds[k].name
}

// ParseKind accepts the names Kind.String produces, case-insensitively and
// with "-" for "_".
func ParseKind(s string) (Kind, error) {
	name := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_"))
	for k := range kinds {
		if kinds[k].name == name {
			return Kind(k), nil
		}
	}
	return KindUnknown, fmt.Errorf("%w: unknown error kind %q", ErrValidation, s)
}

// KindOf reports the kind recorded in err's chain: a *ClassifiedError first,
// then context.Canceled, then sentinels in sentinelOrder. Raw transport errors
// are not inspected here; Classify them first. nil is KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	for _, k := range sentinelOrder {
		if errors.Is(err, kinds[k].sentinel) {
			return k
		}
	}
	return KindUnknown
}

// HasKind reports whether KindOf(err) == kind.
func HasKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// SentinelOf returns nil for KindUnknown and KindCanceled.
func SentinelOf(kind Kind) error {
	if !kind.valid() {
		return nil
	}
	return kinds[kind].sentinel
}

// MarkKind tags err with the sentinel of kind, keeping err in the chain.
// Marking an error that already has kind returns it unchanged. Kinds without
// a sentinel leave err as is. A nil err yields the bare sentinel.
//
//	if errors.Is(err, sql.ErrNoRows) {
//		return shared.MarkKind(err, shared.KindNotFound)
//	}
func MarkKind(err error, kind Kind) error {
	sentinel := SentinelOf(kind)
	switch {
	case err == nil:
		return sentinel
	case sentinel == nil, KindOf(err) == kind:
		return err
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}

// Wrap prefixes err with msg. nil stays nil.
func Wrap(err error, msg string) error {
	if err == nil || msg == "" {
		return err
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf is Wrap with a formatted prefix.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return Wrap(err, fmt.Sprintf(format, args...))
}

func IsCanceled(err error) bool   { return err != nil && errors.Is(err, context.Canceled) }
func IsNotFound(err error) bool   { return HasKind(err, KindNotFound) }
func IsValidation(err error) bool { return HasKind(err, KindValidation) }
func IsAuth(err error) bool       { return HasKind(err, KindAuth) }
