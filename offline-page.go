package kamoffline

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/text/language"
)

type offlineNotice struct {
	title   string
	message string
}

// the first language is the default
var offlineLanguages = []language.Tag{
	language.English,
	language.Chinese,
}

var offlineNotices = map[language.Tag]offlineNotice{
	language.English: {
		title:   "Offline",
		message: "The application is offline and not cached.",
	},
	language.Chinese: {
		title:   "离线",
		message: "应用当前处于离线状态，且尚未缓存。",
	},
}

var offlineMatcher = language.NewMatcher(offlineLanguages)

// offlineLanguage picks the notice language from the Accept-Language header.
func offlineLanguage(r *http.Request) language.Tag {
	if r == nil {
		return offlineLanguages[0]
	}
	tags, _, err := language.ParseAcceptLanguage(r.Header.Get("Accept-Language"))
	if err != nil || len(tags) == 0 {
		return offlineLanguages[0]
	}
	_, index, confidence := offlineMatcher.Match(tags...)
	if confidence == language.No {
		return offlineLanguages[0]
	}
	return offlineLanguages[index]
}

// offlinePage is the 503 answer to a navigation when neither network nor cached shell is available.
func offlinePage(r *http.Request) *http.Response {
	tag := offlineLanguage(r)
	notice := offlineNotices[tag]
	body := fmt.Sprintf(
		"<!doctype html><html lang=\"%s\"><head><meta charset=\"utf-8\"><title>%s</title></head>"+
			"<body><h1>%s</h1><p>%s</p></body></html>",
		tag, notice.title, notice.title, notice.message)

	res := unavailable(r)
	res.Header.Set("Content-Type", "text/html; charset=utf-8")
	res.Header.Set("Content-Language", tag.String())
	res.Body = io.NopCloser(strings.NewReader(body))
	res.ContentLength = int64(len(body))
	return res
}
