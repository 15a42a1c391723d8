package echoapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// adminMiddleware lets admins through; when roles are given, the admin must also hold one of them.
func adminMiddleware(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			claims, err := getContextClaims(ctx)
			if err != nil {
				return errors.Wrap(err, "getting context claims")
			}
			if claims.IsAdmin && contextHasAnyRole(ctx, roles) {
				return next(ctx)
			}
			return errHttpForbidden
		}
	}
}

// roleMiddleware lets through the sessions holding a role starting with one of the prefixes.
func roleMiddleware(prefixes ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			if err := getContextSession(ctx).Authorize(prefixes...); err != nil {
				return err
			}
			return next(ctx)
		}
	}
}

// syncTriggerMiddleware asks for a sync pass after every successful write.
func syncTriggerMiddleware(trigger func()) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			err := next(ctx)
			if trigger != nil && err == nil && ctx.Request().Method != http.MethodGet && ctx.Response().Status < http.StatusBadRequest {
				trigger()
			}
			return err
		}
	}
}

// loginRateLimitMiddleware applies a fixed-window limit of attempts per minute and client IP.
// It lets everything through when redis is not configured or unreachable.
func loginRateLimitMiddleware(rdb redis.Cmdable, limit int) echo.MiddlewareFunc {
	const window = time.Minute
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			if rdb == nil || limit <= 0 {
				return next(ctx)
			}
			now := time.Now()
			key := "shule:rl:login:" + ctx.RealIP() + ":" + strconv.FormatInt(now.Unix()/int64(window.Seconds()), 10)

			reqCtx := ctx.Request().Context()
			pipe := rdb.Pipeline()
			cnt := pipe.Incr(reqCtx, key)
			pipe.Expire(reqCtx, key, 2*window)
			if _, err := pipe.Exec(reqCtx); err != nil {
				ctx.Logger().Warnf("login rate limit: %v", err)
				return next(ctx)
			}
			if cnt.Val() > int64(limit) {
				remain := window - time.Duration(now.UnixNano()%int64(window))
				ctx.Response().Header().Set("Retry-After", strconv.Itoa(int(remain.Round(time.Second)/time.Second)))
				return errTooManyRequests
			}
			return next(ctx)
		}
	}
}
