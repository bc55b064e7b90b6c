package sharedstate

// Shared-store key schema. The .v2 suffixes are load-bearing: old and
// new process binaries may run against the same store across an
// update, so the layout must stay backward compatible.
const (
	// KeyLimits holds the ordered list of limit records.
	KeyLimits = "limits.v2"

	// KeyNameMap holds the limit-id to best-known display name map,
	// write-once-wins-if-empty per entry.
	KeyNameMap = "identity_name_map"

	// KeyTotalUsageToday and KeyPerAppUsageToday are derived aggregates
	// published by the reporter for dashboard consumers. Read-only for
	// everything else in this module.
	KeyTotalUsageToday  = "total_usage_today"
	KeyPerAppUsageToday = "per_app_usage_today"

	usageKeyPrefix   = "usage.v2."
	requestKeyPrefix = "episode.requested."
	grantKeyPrefix   = "episode.grant."
)

// UsageKey returns the key holding the usage record for a limit.
func UsageKey(limitID string) string {
	return usageKeyPrefix + limitID
}

func requestKey(identityHash string) string {
	return requestKeyPrefix + identityHash
}

func grantKey(identityHash string) string {
	return grantKeyPrefix + identityHash
}
