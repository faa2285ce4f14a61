package telemetry

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/baggage"
)

// Baggage holds request-scoped telemetry labels that flow through context.
type Baggage map[string]string

// Baggage limits, following W3C baggage specification recommendations.
// Unbounded baggage costs memory, network overhead on propagation, and
// serialization time.
const (
	// MaxBaggageItems is the maximum number of key-value pairs allowed
	MaxBaggageItems = 64

	// MaxBaggageKeyLength is the maximum bytes for a single key
	MaxBaggageKeyLength = 128

	// MaxBaggageValueLength is the maximum bytes for a single value
	MaxBaggageValueLength = 512

	// MaxBaggageTotalSize is the maximum total size (8KB) for all baggage
	MaxBaggageTotalSize = 8192
)

// Internal counters identifying when limits are hit in production.
var (
	baggageItemsAdded   atomic.Uint64
	baggageItemsDropped atomic.Uint64
	baggageOverLimit    atomic.Uint64
	baggageTotalSize    atomic.Uint64
)

// labelPool reuses label slices to reduce GC pressure on the emission hot
// path. Most metrics carry 8-16 labels.
var labelPool = sync.Pool{
	New: func() any {
		s := make([]string, 0, 32)
		return &s
	},
}

// WithBaggage adds labels that automatically flow through all telemetry in
// this context. The executor attaches correlation_id and action_id this way
// so every metric emitted while processing an action carries them.
//
//	ctx = telemetry.WithBaggage(ctx, "correlation_id", corrID, "action_id", act.ID)
//
// Calls are additive; later values override earlier ones with the same key.
// The Max* limits above are enforced, dropping items that exceed them.
func WithBaggage(ctx context.Context, labels ...string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}

	bag := baggage.FromContext(ctx)
	members := bag.Members()

	currentSize := len(members)
	if currentSize >= MaxBaggageItems {
		baggageOverLimit.Add(1)
		return ctx // Unchanged context when at limit
	}

	totalSize := 0
	for _, m := range members {
		totalSize += len(m.Key()) + len(m.Value())
	}

	var newMembers []baggage.Member
	for i := 0; i+1 < len(labels); i += 2 {
		key := labels[i]
		value := labels[i+1]

		if key == "" {
			continue
		}

		if len(key) > MaxBaggageKeyLength {
			key = key[:MaxBaggageKeyLength]
		}
		if len(value) > MaxBaggageValueLength {
			value = value[:MaxBaggageValueLength]
		}

		newItemSize := len(key) + len(value)
		if totalSize+newItemSize > MaxBaggageTotalSize {
			baggageItemsDropped.Add(1)
			continue
		}

		member, err := baggage.NewMember(key, value)
		if err != nil {
			// Invalid key/value, skip
			continue
		}

		newMembers = append(newMembers, member)
		totalSize += newItemSize
		baggageItemsAdded.Add(1)
	}

	newBag := bag
	for _, member := range newMembers {
		var err error
		newBag, err = newBag.SetMember(member)
		if err != nil {
			continue
		}
	}

	if totalSize >= 0 {
		baggageTotalSize.Store(uint64(totalSize))
	}
	return baggage.ContextWithBaggage(ctx, newBag)
}

// GetBaggage retrieves the current baggage from context as a map.
// Returns nil if no baggage is set.
func GetBaggage(ctx context.Context) Baggage {
	if ctx == nil {
		return nil
	}

	bag := baggage.FromContext(ctx)
	members := bag.Members()
	if len(members) == 0 {
		return nil
	}

	result := make(Baggage, len(members))
	for _, m := range members {
		result[m.Key()] = m.Value()
	}

	return result
}

// appendBaggageToLabels merges baggage into a label slice with
// deterministic ordering (sorted keys). Baggage wins on key collisions.
// The returned slice always comes from labelPool so callers can hand it
// back via returnLabelSlice without aliasing their own slice.
func appendBaggageToLabels(ctx context.Context, labels []string) []string {
	resultPtr := labelPool.Get().(*[]string)
	result := *resultPtr
	result = result[:0]

	var members []baggage.Member
	if ctx != nil {
		members = baggage.FromContext(ctx).Members()
	}
	if len(members) == 0 {
		return append(result, labels...)
	}

	labelMap := make(map[string]string, len(labels)/2+len(members))

	for i := 0; i+1 < len(labels); i += 2 {
		labelMap[labels[i]] = labels[i+1]
	}

	for _, m := range members {
		labelMap[m.Key()] = m.Value()
	}

	keys := make([]string, 0, len(labelMap))
	for k := range labelMap {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		result = append(result, k, labelMap[k])
	}

	return result
}

// returnLabelSlice returns a label slice to the pool for reuse.
func returnLabelSlice(labels []string) {
	if cap(labels) <= 512 { // Don't pool huge slices
		labels = labels[:0]
		labelPool.Put(&labels)
	}
}

// BaggageStats reports internal counters about baggage usage.
type BaggageStats struct {
	ItemsAdded   uint64 `json:"items_added"`
	ItemsDropped uint64 `json:"items_dropped"`
	OverLimit    uint64 `json:"over_limit"`
	CurrentSize  uint64 `json:"current_size"`
}

// GetBaggageStats returns statistics about baggage usage.
func GetBaggageStats() BaggageStats {
	return BaggageStats{
		ItemsAdded:   baggageItemsAdded.Load(),
		ItemsDropped: baggageItemsDropped.Load(),
		OverLimit:    baggageOverLimit.Load(),
		CurrentSize:  baggageTotalSize.Load(),
	}
}

// ResetBaggageStats resets baggage statistics (useful for testing).
func ResetBaggageStats() {
	baggageItemsAdded.Store(0)
	baggageItemsDropped.Store(0)
	baggageOverLimit.Store(0)
	baggageTotalSize.Store(0)
}
