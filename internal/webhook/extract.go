package webhook

import (
	"net/url"
	"strings"
)

// extractor pulls output URLs out of one body shape.
type extractor struct {
	name    string
	extract func(doc any) []string
}

// extractors are tried in order; the first that yields a URL wins.
var extractors = []extractor{
	{name: "variants", extract: func(doc any) []string { return urlList(field(doc, "variants")) }},
	{name: "urls", extract: func(doc any) []string { return urlList(field(doc, "urls")) }},
	{name: "enhancedImageUrl", extract: func(doc any) []string { return single(field(doc, "enhancedImageUrl")) }},
	{name: "result", extract: func(doc any) []string { return firstOf(field(doc, "result"), "url", "imageUrl") }},
	{name: "data", extract: func(doc any) []string { return firstOf(field(doc, "data"), "url", "imageUrl") }},
	{name: "output", extract: func(doc any) []string { return single(field(field(doc, "output"), "url")) }},
	{name: "bare", extract: single},
}

// ExtractVariantURLs returns the URLs found by the first matching strategy
// and that strategy's name.
func ExtractVariantURLs(doc any) ([]string, string) {
	for _, e := range extractors {
		if urls := e.extract(doc); len(urls) > 0 {
			return urls, e.name
		}
	}
	return nil, ""
}

func field(doc any, key string) any {
	obj, ok := doc.(map[string]any)
	if !ok {
		return nil
	}
	return obj[key]
}

func firstOf(doc any, keys ...string) []string {
	for _, k := range keys {
		if urls := single(field(doc, k)); len(urls) > 0 {
			return urls
		}
	}
	return nil
}

func single(v any) []string {
	s, ok := v.(string)
	if !ok || !isHTTPURL(s) {
		return nil
	}
	return []string{strings.TrimSpace(s)}
}

// urlList accepts strings or objects carrying url/imageUrl.
func urlList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range items {
		switch it := item.(type) {
		case string:
			out = append(out, single(it)...)
		case map[string]any:
			out = append(out, firstOf(it, "url", "imageUrl")...)
		}
	}
	return out
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
