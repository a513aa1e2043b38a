/*
Copyright 2026 The Vitess Authors.

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

package stats

import (
	"regexp"
	"strings"
	"sync"
)

// GetSnakeName calls toSnakeName on the passed in string. It produces
// a snake-cased name from the provided camel-cased name.
// It memoizes the transformation and returns the stored result if available.
func GetSnakeName(name string) string {
	return toSnakeCase(name)
}

func toSnakeCase(name string) (snaked string) {
	snakeMemoizer.Lock()
	defer snakeMemoizer.Unlock()
	if snaked, ok := snakeMemoizer.memo[name]; ok {
		return snaked
	}
	snaked = name
	for _, converter := range snakeConverters {
		snaked = converter.re.ReplaceAllString(snaked, converter.repl)
	}
	snaked = strings.ToLower(snaked)
	snakeMemoizer.memo[name] = snaked
	return
}

var snakeConverters = []struct {
	re   *regexp.Regexp
	repl string
}{
	// example: LC -> L_C (e.g. CamelCase -> Camel_Case).
	{regexp.MustCompile("([a-z])([A-Z])"), "${1}_${2}"},
	// example: CCa -> C_Ca (e.g. CCamel -> C_Camel).
	{regexp.MustCompile("([A-Z])([A-Z][a-z])"), "${1}_${2}"},
	{regexp.MustCompile(`\.`), "_"},
	{regexp.MustCompile("-"), "_"},
}

var snakeMemoizer = struct {
	sync.Mutex
	memo map[string]string
}{memo: make(map[string]string)}
