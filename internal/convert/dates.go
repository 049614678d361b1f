package convert

import (
	"strings"

	"github.com/roach88/cidermigrate/internal/record"
)

// placeholderDate stands in for collections without any date, since a
// resource must carry at least one.
const placeholderDate = "1970"

// buildDates returns zero, one single or one range date labelled
// "creation", from whichever bounds are non-blank.
func buildDates(from, to *string) record.Array {
	var bounds []string
	for _, s := range []*string{from, to} {
		if t := trim(s); t != "" {
			bounds = append(bounds, t)
		}
	}

	switch len(bounds) {
	case 0:
		return record.Array{}
	case 1:
		return record.Array{singleDate(bounds[0])}
	default:
		return record.Array{rangeDate(bounds[0], bounds[1])}
	}
}

func singleDate(d string) record.Object {
	return record.Object{
		"jsonmodel_type": record.String("date"),
		"date_type":      record.String("single"),
		"begin":          record.String(d),
		"label":          record.String("creation"),
	}
}

func rangeDate(begin, end string) record.Object {
	return record.Object{
		"jsonmodel_type": record.String("date"),
		"date_type":      record.String("range"),
		"begin":          record.String(begin),
		"end":            record.String(end),
		"label":          record.String("creation"),
	}
}

// trim returns the trimmed value, or "" for nil or blank.
func trim(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}

// optional returns the trimmed value, or null when blank.
func optional(s *string) record.Value {
	if t := trim(s); t != "" {
		return record.String(t)
	}
	return record.Null{}
}
