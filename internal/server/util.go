package server

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// sanitizeBase turns "api/", "/api" or "" into a gin group prefix.
func sanitizeBase(bp string) string {
	bp = strings.Trim(strings.TrimSpace(bp), "/")
	if bp == "" {
		return ""
	}
	return "/" + bp
}

// parsePID accepts a positive decimal pid.
func parsePID(s string) (int, error) {
	if s == "" {
		return 0, fmt.Errorf("pid required")
	}
	pid, err := strconv.Atoi(s)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid: %q", s)
	}
	return pid, nil
}

// queryDuration reads an optional non-negative duration ("5s", "1m")
// from the query string; absent means zero.
func queryDuration(c *gin.Context, key string) (time.Duration, error) {
	s := c.Query(key)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, s)
	}
	return d, nil
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}

func writeError(c *gin.Context, code int, msg string) {
	writeJSON(c, code, errorResp{Error: msg})
}
