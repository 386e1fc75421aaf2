package ratelimit

import (
	"testing"
	"time"
)

func TestNormalizeKnownWhenRemainingPresent(t *testing.T) {
	payload := []byte(`{"grok-4":{"remainingTokens":42,"resetAt":"2099-01-01T00:00:00Z"}}`)
	res := Normalize("grok-4", "grok-4-rate", payload)
	if !res.Known {
		t.Fatalf("expected known result")
	}
	if res.Remaining == nil || *res.Remaining != 42 {
		t.Fatalf("expected remaining 42, got %v", res.Remaining)
	}
	if res.ResetAt == nil {
		t.Fatalf("expected reset timestamp")
	}
}

func TestNormalizeUnknownOnUnrelatedPayload(t *testing.T) {
	payload := []byte(`{"foo":"bar","count":3}`)
	res := Normalize("grok-4", "", payload)
	if res.Known {
		t.Fatalf("did not expect a known result for unrelated payload, got %+v", res)
	}
}

func TestNormalizeRetryAfterSeconds(t *testing.T) {
	payload := []byte(`{"retryAfter": 30}`)
	before := time.Now().UnixMilli()
	res := Normalize("grok-4", "", payload)
	if res.ResetAt == nil {
		t.Fatalf("expected reset value")
	}
	if *res.ResetAt < before+20000 || *res.ResetAt > before+40000 {
		t.Fatalf("expected ~30s from now, got %d vs now %d", *res.ResetAt, before)
	}
}

func TestNormalizeAlreadyMillis(t *testing.T) {
	future := time.Now().Add(time.Hour).UnixMilli()
	payload := []byte(`{"resetAtMillis": ` + itoa(future) + `}`)
	res := Normalize("grok-4", "", payload)
	if res.ResetAt == nil || *res.ResetAt != future {
		t.Fatalf("expected passthrough ms value %d, got %v", future, res.ResetAt)
	}
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
