package context

import "context"

type ContextKey string

var (
	RequestIDKey     = ContextKey("X-Request-Id")
	MethodKey        = ContextKey("X-Method")
	RouteKey         = ContextKey("X-Route")
	RemoteIPKey      = ContextKey("X-Remote-Ip")
	LocationIDKey    = ContextKey("X-Location-Id")
	ApplicationIDKey = ContextKey("X-Application-Id")
	UserIDKey        = ContextKey("X-User-Id")
	JobIDKey         = ContextKey("X-Job-Id")
)

func set(ctx context.Context, key ContextKey, value string) context.Context {
	return context.WithValue(ctx, key, value)
}

func get(ctx context.Context, key ContextKey) string {
	value, ok := ctx.Value(key).(string)
	if !ok {
		return ""
	}
	return value
}

func SetRequestID(ctx context.Context, requestID string) context.Context {
	return set(ctx, RequestIDKey, requestID)
}

func GetRequestID(ctx context.Context) string {
	return get(ctx, RequestIDKey)
}

func SetMethod(ctx context.Context, method string) context.Context {
	return set(ctx, MethodKey, method)
}

func GetMethod(ctx context.Context) string {
	return get(ctx, MethodKey)
}

func SetRoute(ctx context.Context, route string) context.Context {
	return set(ctx, RouteKey, route)
}

func GetRoute(ctx context.Context) string {
	return get(ctx, RouteKey)
}

func SetRemoteIP(ctx context.Context, remoteIP string) context.Context {
	return set(ctx, RemoteIPKey, remoteIP)
}

func GetRemoteIP(ctx context.Context) string {
	return get(ctx, RemoteIPKey)
}

// SetLocationID stores the remote tenant (location) the current unit of work belongs to.
func SetLocationID(ctx context.Context, locationID string) context.Context {
	return set(ctx, LocationIDKey, locationID)
}

func GetLocationID(ctx context.Context) string {
	return get(ctx, LocationIDKey)
}

func SetApplicationID(ctx context.Context, applicationID string) context.Context {
	return set(ctx, ApplicationIDKey, applicationID)
}

func GetApplicationID(ctx context.Context) string {
	return get(ctx, ApplicationIDKey)
}

func SetUserID(ctx context.Context, userID string) context.Context {
	return set(ctx, UserIDKey, userID)
}

func GetUserID(ctx context.Context) string {
	return get(ctx, UserIDKey)
}

func SetJobID(ctx context.Context, jobID string) context.Context {
	return set(ctx, JobIDKey, jobID)
}

func GetJobID(ctx context.Context) string {
	return get(ctx, JobIDKey)
}

// Fields returns the populated context values as log fields.
func Fields(ctx context.Context) map[string]any {
	fields := map[string]any{}
	for _, key := range []ContextKey{RequestIDKey, LocationIDKey, ApplicationIDKey, UserIDKey, JobIDKey} {
		if value := get(ctx, key); value != "" {
			fields[string(key)] = value
		}
	}
	return fields
}
