package media

import "errors"

var errNoTracks = errors.New("capture returned no tracks")
