package utils

import "errors"

var ErrorInvalidToken = errors.New("invalid session token")
