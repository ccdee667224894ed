/*
Copyright 2024 Carenote Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package model holds the request bodies accepted by the HTTP API together
// with their validation rules.
package model

import (
	"encoding/hex"
	"errors"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

var errNotSHA256 = errors.New("must be a hex encoded sha256")

// sha256Hex accepts an empty value; pair it with validation.Required where needed.
var sha256Hex = validation.By(func(value interface{}) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	if len(s) != 64 {
		return errNotSHA256
	}
	if _, err := hex.DecodeString(s); err != nil {
		return errNotSHA256
	}
	return nil
})

// languageTag accepts BCP 47 style tags such as "en", "sw" or "pt-BR".
var languageTag = validation.By(func(value interface{}) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	for i, part := range strings.Split(s, "-") {
		if len(part) < 2 || len(part) > 8 || (i == 0 && len(part) > 3) {
			return errors.New("must be a language tag such as en or pt-BR")
		}
	}
	return nil
})
