package client

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/ratefence/ratefence/pkg/infra/httpx"
	"github.com/valyala/fastjson"
)

// RetryAfterSeconds extracts the server-advised backoff from a throttled
// response: the Retry-After header first (delta-seconds or HTTP-date), then
// a retry_after field in a JSON body. Returns 0 when the response carries no
// usable signal. The body is decoded (gzip/br/zstd/deflate) if needed and
// left readable.
func RetryAfterSeconds(resp *http.Response, now time.Time) int {
	if resp == nil {
		return 0
	}

	if header := resp.Header.Get("Retry-After"); header != "" {
		if seconds, err := strconv.Atoi(header); err == nil {
			if seconds > 0 {
				return seconds
			}
			return 0
		}
		if at, err := http.ParseTime(header); err == nil {
			seconds := int(math.Ceil(at.Sub(now).Seconds()))
			if seconds > 0 {
				return seconds
			}
		}
		return 0
	}

	body, err := httpx.ReadDecodedBody(resp)
	if err != nil || len(body) == 0 {
		return 0
	}
	value, err := fastjson.ParseBytes(body)
	if err != nil {
		return 0
	}
	retryAfter := value.Get("retry_after")
	if retryAfter == nil {
		retryAfter = value.Get("retry_after_seconds")
	}
	if retryAfter == nil {
		return 0
	}
	seconds, err := retryAfter.Float64()
	if err != nil || seconds <= 0 {
		return 0
	}
	return int(math.Ceil(seconds))
}
