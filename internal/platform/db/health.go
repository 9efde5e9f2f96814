package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	TotalConns    int32 `json:"total_conns"`
	IdleConns     int32 `json:"idle_conns"`
	AcquiredConns int32 `json:"acquired_conns"`
	MaxConns      int32 `json:"max_conns"`
}

func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:    stat.TotalConns(),
		IdleConns:     stat.IdleConns(),
		AcquiredConns: stat.AcquiredConns(),
		MaxConns:      stat.MaxConns(),
	}
}

// Check is a named dependency probe used by the health endpoint.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// PoolCheck probes the database pool.
func PoolCheck(pool *pgxpool.Pool) Check {
	return Check{Name: "database", Probe: pool.Ping}
}

// HealthHandler runs every check with a shared timeout. Any failing check turns
// the response into a 503.
func HealthHandler(checks ...Check) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		status, results := RunChecks(ctx, checks)
		code := http.StatusOK
		if status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		return c.JSON(code, map[string]interface{}{
			"status": status,
			"checks": results,
		})
	}
}

// RunChecks returns "healthy" when every probe passes, plus a per-check result.
func RunChecks(ctx context.Context, checks []Check) (string, map[string]string) {
	status := "healthy"
	results := make(map[string]string, len(checks))
	for _, chk := range checks {
		if err := chk.Probe(ctx); err != nil {
			status = "unhealthy"
			results[chk.Name] = err.Error()
			continue
		}
		results[chk.Name] = "ok"
	}
	return status, results
}
