// Package routing derives the time-rotating routing hash that addresses a
// channel at relays, and tracks relay health to detect and route around
// censorship.
package routing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"zajel-go/internal/zajel"
)

// EpochDuration is the rotation period of routing hashes.
type EpochDuration string

const (
	Hourly EpochDuration = "hourly"
	Daily  EpochDuration = "daily"
)

// ParseEpochDuration accepts "hourly" or "daily".
func ParseEpochDuration(s string) (EpochDuration, error) {
	switch d := EpochDuration(s); d {
	case Hourly, Daily:
		return d, nil
	default:
		return "", fmt.Errorf("unknown epoch duration %q (want hourly or daily)", s)
	}
}

// Seconds returns the epoch length in seconds.
func (d EpochDuration) Seconds() int64 {
	if d == Daily {
		return 24 * 60 * 60
	}
	return 60 * 60
}

// Duration returns the epoch length.
func (d EpochDuration) Duration() time.Duration {
	return time.Duration(d.Seconds()) * time.Second
}

// GetCurrentEpochNumber returns floor(unix seconds / epoch seconds) for now.
func GetCurrentEpochNumber(d EpochDuration, now time.Time) int64 {
	return floorDiv(now.Unix(), d.Seconds())
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

// DeriveRoutingHash returns the routing hash for the epoch containing now.
func DeriveRoutingHash(channelSecret string, d EpochDuration, now time.Time) (string, error) {
	return DeriveRoutingHashForEpoch(channelSecret, GetCurrentEpochNumber(d, now), d)
}

// DeriveRoutingHashForEpoch returns the first 16 bytes of
// HMAC-SHA256(secret, "epoch:<duration>:<epoch>"), hex encoded.
// channelSecret must be standard base64.
func DeriveRoutingHashForEpoch(channelSecret string, epoch int64, d EpochDuration) (string, error) {
	secret, err := base64.StdEncoding.DecodeString(channelSecret)
	if err != nil {
		return "", &zajel.Error{Kind: zajel.KindInvalidBase64, Message: "channel secret is not valid base64", Err: err}
	}
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "epoch:%s:%d", d, epoch)
	return hex.EncodeToString(mac.Sum(nil)[:16]), nil
}

// GetEpochRange lists every epoch number touched by [from, to], inclusive.
// It returns nil when to is before from.
func GetEpochRange(from, to time.Time, d EpochDuration) []int64 {
	if to.Before(from) {
		return nil
	}
	start := GetCurrentEpochNumber(d, from)
	end := GetCurrentEpochNumber(d, to)
	out := make([]int64, 0, end-start+1)
	for e := start; e <= end; e++ {
		out = append(out, e)
	}
	return out
}

// LookbackHashes derives the routing hashes of the epoch containing now and
// the lookback-1 epochs before it, newest first.
func LookbackHashes(channelSecret string, d EpochDuration, now time.Time, lookback int) ([]string, error) {
	lookback = max(lookback, 1)
	current := GetCurrentEpochNumber(d, now)
	out := make([]string, 0, lookback)
	for i := range lookback {
		h, err := DeriveRoutingHashForEpoch(channelSecret, current-int64(i), d)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}
