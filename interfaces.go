package flashkv

import "github.com/flashcore/kv/internal/coretypes"

// The caller-supplied callback interfaces are defined once in
// internal/coretypes (so every internal engine package can depend on them
// without an import cycle back to this facade) and re-exported here.
type (
	NodeIO       = coretypes.NodeIO
	Comparator   = coretypes.Comparator
	SeqAllocator = coretypes.SeqAllocator
	Logger       = coretypes.Logger
	LogLevel     = coretypes.LogLevel
	TrxHook      = coretypes.TrxHook
	TrxCommand   = coretypes.TrxCommand
)

// Log levels, see [coretypes.LogLevel].
const (
	LogFatal = coretypes.LogFatal
	LogError = coretypes.LogError
	LogWarn  = coretypes.LogWarn
	LogInfo  = coretypes.LogInfo
	LogDebug = coretypes.LogDebug
	LogTrace = coretypes.LogTrace
)

// Transaction hook commands, see [coretypes.TrxCommand].
const (
	TrxCacheAdd   = coretypes.TrxCacheAdd
	TrxCacheDel   = coretypes.TrxCacheDel
	TrxCacheQuery = coretypes.TrxCacheQuery
)

// NopTrxHook is a [TrxHook] that accepts every cache query and ignores
// add/del notifications.
type NopTrxHook = coretypes.NopTrxHook
