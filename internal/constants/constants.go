package constants

type ContextKey string

const (
	RequestIDKey ContextKey = "request_id"
)

const (
	DefaultColor = "#FFFFFF"
)

// Redis key layout shared by every server process.
const (
	PixelKeyPrefix = "pixel:"
	RateKeyPrefix  = "user:rate:"
	EventsChannel  = "pixel-events"
)

const (
	RoutePixels       = "/api/v1/pixels"
	RoutePixelAt      = "/api/v1/pixels/:x/:y"
	RouteHistoryAfter = "/api/v1/history/after/:id"
	RouteHistoryNext  = "/api/v1/history/next/:id"
	RouteActor        = "/api/v1/actors/:id"
	RouteActorHistory = "/api/v1/actors/:id/history"
	RouteInfo         = "/api/v1/info"
	RouteHealthz      = "/healthz"
	RouteWS           = "/ws"
)

const (
	ErrorCodeOutOfBounds      = "out_of_bounds"
	ErrorCodeInvalidColor     = "invalid_color"
	ErrorCodeUnknownActor     = "unknown_actor"
	ErrorCodeRateLimited      = "rate_limited"
	ErrorCodeStoreUnavailable = "store_unavailable"
)

const (
	ActorIDHeader = "X-Actor-Id"
	ActorIDKey    = "actor_id"
)

// MaxHistoryPageSize caps caller-supplied history limits server-side.
const MaxHistoryPageSize = 10000
