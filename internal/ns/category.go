package ns

import (
	"fmt"
	"strings"
)

// Category is the notification severity; each one has its own sending channel.
type Category int16

const (
	Emergency Category = 0
	Warning   Category = 1
	Info      Category = 2
)

type categoryInfo struct {
	name string
	path string
}

var (
	categories = map[Category]categoryInfo{
		Emergency: {name: "emergency", path: "/emergency"},
		Warning:   {name: "warning", path: "/warning"},
		Info:      {name: "info", path: "/info"},
	}
	categoryByName = func() map[string]Category {
		m := make(map[string]Category, len(categories))
		for c, ci := range categories {
			m[ci.name] = c
		}
		return m
	}()
)

// Categories returns all categories ordered by id.
func Categories() []Category { return []Category{Emergency, Warning, Info} }

// CategoryByID resolves a wire id.
func CategoryByID(id int16) (Category, bool) {
	c := Category(id)
	_, ok := categories[c]
	return c, ok
}

// ParseCategory resolves a case-insensitive category name.
func ParseCategory(s string) (Category, error) {
	c, ok := categoryByName[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return 0, &UnknownCategoryError{Name: s}
	}
	return c, nil
}

func (c Category) Valid() bool {
	_, ok := categories[c]
	return ok
}

func (c Category) String() string {
	if ci, ok := categories[c]; ok {
		return ci.name
	}
	return fmt.Sprintf("category(%d)", int16(c))
}

// Path is the producer object path the category is broadcast from.
func (c Category) Path() string { return categories[c].path }
