package service

import "errors"

var errBufferFull = errors.New("request log buffer full")
