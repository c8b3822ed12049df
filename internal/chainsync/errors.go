package chainsync

import "errors"

var errInvalidBlock = errors.New("block failed validation")
