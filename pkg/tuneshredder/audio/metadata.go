package audio

import (
	"os"

	"github.com/dhowden/tag"
)

// TagInfo is the embedded metadata of an audio file, when readable.
type TagInfo struct {
	Title  string
	Artist string
}

// ReadTags extracts embedded title/artist. Failures are not errors:
// track identity is always the file basename; tags only decorate
// reports.
func ReadTags(path string) TagInfo {
	f, err := os.Open(path)
	if err != nil {
		return TagInfo{}
	}
	defer f.Close()
	m, err := tag.ReadFrom(f)
	if err != nil {
		return TagInfo{}
	}
	return TagInfo{Title: m.Title(), Artist: m.Artist()}
}
