// Package scopes — чистые операции над наборами scope-строк.
// Порядок не имеет значения, дубликаты схлопываются, сравнение регистрозависимое.
package scopes

import (
	"sort"
	"strings"
)

// Normalize: trim, выкинуть пустые, убрать дубликаты, отсортировать.
// Сортировка — чтобы granted_scopes в БД были детерминированными.
func Normalize(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Diff возвращает элементы requested, которых нет в available.
// Пустой результат — все запрошенные scope допустимы.
func Diff(requested, available []string) []string {
	set := toSet(available)
	var invalid []string
	for _, s := range Normalize(requested) {
		if _, ok := set[s]; !ok {
			invalid = append(invalid, s)
		}
	}
	return invalid
}

// Union объединяет два набора (нормализованный результат).
func Union(a, b []string) []string {
	return Normalize(append(append([]string{}, a...), b...))
}

// Subtract убирает из a все элементы b.
func Subtract(a, b []string) []string {
	set := toSet(b)
	out := make([]string, 0, len(a))
	for _, s := range Normalize(a) {
		if _, ok := set[s]; !ok {
			out = append(out, s)
		}
	}
	return out
}

// ContainsAll: required ⊆ granted. Пустой required — всегда true.
// Возвращает первый отсутствующий scope для сообщения об ошибке.
func ContainsAll(granted, required []string) (bool, string) {
	set := toSet(granted)
	for _, s := range Normalize(required) {
		if _, ok := set[s]; !ok {
			return false, s
		}
	}
	return true, ""
}

func toSet(in []string) map[string]struct{} {
	set := make(map[string]struct{}, len(in))
	for _, s := range in {
		set[strings.TrimSpace(s)] = struct{}{}
	}
	return set
}
