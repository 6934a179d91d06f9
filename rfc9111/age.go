package rfc9111

import (
	"net/http"
	"strings"
	"time"
)

// §  4.2.3.  Calculating Age
// §
// §     The Age header field is used to convey an estimated age of the
// §     response message when obtained from a cache.
// §
// §     Age calculation uses the following data:
// §
// §     "age_value"
// §        The term "age_value" denotes the value of the Age header field
// §        (Section 5.1), in a form appropriate for arithmetic operation; or
// §        0, if not available.
func ageValue(res *http.Response) time.Duration {
	if age, present := getAge(res); present {
		return age
	}
	return 0
}

// §
// §     "date_value"
// §        The term "date_value" denotes the value of the Date header field,
// §        in a form appropriate for arithmetic operations.
func dateValue(res *http.Response, responseTime time.Time) time.Time {
	if dateHeader := res.Header.Get("Date"); dateHeader != "" {
		if date, err := http.ParseTime(dateHeader); err == nil {
			return date
		}
	}
	// a response without a usable date was generated when it was received
	return responseTime
}

// CurrentAge returns the age of a stored response.
// The response time is the time the response was stored; no network latency is assumed,
// so the request time equals the response time.
//
// §     The current_age of a stored response can then be calculated by adding
// §     the time (in seconds) since the stored response was last validated by
// §     the origin server to the corrected_initial_age.
func CurrentAge(res *http.Response, responseTime, now time.Time) time.Duration {
	// §       apparent_age = max(0, response_time - date_value);
	apparentAge := durationMax(0, responseTime.Sub(dateValue(res, responseTime)))
	// §       response_delay = response_time - request_time;
	// §       corrected_age_value = age_value + response_delay;
	correctedAgeValue := ageValue(res)
	// §       corrected_initial_age = max(apparent_age, corrected_age_value);
	correctedInitialAge := durationMax(apparentAge, correctedAgeValue)
	// §       resident_time = now - response_time;
	residentTime := durationMax(0, now.Sub(responseTime))
	// §       current_age = corrected_initial_age + resident_time;
	return correctedInitialAge + residentTime
}

// §  4.  Constructing Responses from Caches
// §
// §     When a stored response is used to satisfy a request without
// §     validation, a cache MUST generate an Age header field (Section 5.1),
// §     replacing any present in the response with a value equal to the
// §     stored response's current_age; see Section 4.2.3.

// SetAge sets the Age header of a response served from a cache.
func SetAge(res *http.Response, responseTime, now time.Time) {
	age := CurrentAge(res, responseTime, now)
	res.Header.Set("Age", toDeltaSeconds(age.Truncate(time.Second)))
}

// §  5.1.  Age
// §
// §     Although it is defined as a singleton header field, a cache
// §     encountering a message with a list-based Age field value SHOULD use
// §     the first member of the field value, discarding subsequent ones.
// §
// §     If the field value (after discarding additional members, as per
// §     above) is invalid (e.g., it contains something other than a non-
// §     negative integer), a cache SHOULD ignore the field.
func getAge(res *http.Response) (time.Duration, bool) {
	members := GetListHeader(res.Header, "Age")
	if len(members) == 0 {
		return 0, false
	}
	return deltaSeconds(strings.TrimSpace(members[0]))
}

func durationMax(d1, d2 time.Duration) time.Duration {
	if d1 > d2 {
		return d1
	}
	return d2
}
