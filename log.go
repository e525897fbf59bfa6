package ckvdb

import "github.com/rs/zerolog"

// Logger is the package-level structured logger handed to the pager,
// which writes Info lines for store creation, recovery and each
// commit; nothing is logged at other levels. It defaults to disabled; an embedding application replaces
// it before calling Create/Open. Logging is an observability side
// channel only, never load-bearing for correctness.
var Logger = zerolog.Nop()
