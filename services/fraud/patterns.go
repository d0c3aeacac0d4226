package fraud

import (
	"sort"
	"time"
)

// Flag is a reason code attached to the usage log's security flags.
type Flag string

const (
	FlagRapidRequests    Flag = "RAPID_REQUESTS"
	FlagEndpointScanning Flag = "ENDPOINT_SCANNING"
	FlagHighErrorRate    Flag = "HIGH_ERROR_RATE"
)

const (
	rapidRequestWindow    = 60 * time.Second
	rapidRequestThreshold = 10
	distinctEndpointLimit = 20
	errorRateLimit        = 0.5
)

// RequestSample is one entry of a caller's short request history.
type RequestSample struct {
	Endpoint   string
	StatusCode int
	Timestamp  time.Time
}

// DetectAnomalousPatterns inspects a caller's recent history, independent of
// the numeric score: rapid bursts inside any 60s sliding sub-window, endpoint
// scanning, and high error rates.
func DetectAnomalousPatterns(recent []RequestSample) []Flag {
	if len(recent) == 0 {
		return nil
	}

	var flags []Flag

	if hasRapidBurst(recent) {
		flags = append(flags, FlagRapidRequests)
	}

	endpoints := make(map[string]struct{}, len(recent))
	errored := 0
	for _, r := range recent {
		endpoints[r.Endpoint] = struct{}{}
		if r.StatusCode >= 400 {
			errored++
		}
	}

	if len(endpoints) > distinctEndpointLimit {
		flags = append(flags, FlagEndpointScanning)
	}

	if float64(errored)/float64(len(recent)) > errorRateLimit {
		flags = append(flags, FlagHighErrorRate)
	}

	return flags
}

// hasRapidBurst checks for >= rapidRequestThreshold samples inside any
// sliding 60-second sub-window, using a two-pointer sweep over the sorted
// timestamps.
func hasRapidBurst(recent []RequestSample) bool {
	if len(recent) < rapidRequestThreshold {
		return false
	}

	times := make([]time.Time, len(recent))
	for i, r := range recent {
		times[i] = r.Timestamp
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })

	lo := 0
	for hi := range times {
		for times[hi].Sub(times[lo]) > rapidRequestWindow {
			lo++
		}
		if hi-lo+1 >= rapidRequestThreshold {
			return true
		}
	}
	return false
}
