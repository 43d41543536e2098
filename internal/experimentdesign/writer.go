package experimentdesign

import (
	"sort"
	"strings"

	"screencore/internal/layoutparser"
	"screencore/internal/workbook"
	"screencore/pkg/domain"
)

// Write renders the design as design sheets: per tag domain one tag block
// whose codes stand for the distinct value combinations, followed by one
// layout per rack.
func Write(design *domain.ExperimentDesign) *workbook.MemoryWorkbook {
	wb := workbook.NewMemoryWorkbook()
	for _, name := range SheetNames {
		tagDomain := strings.ToLower(name)
		predicates := domainPredicates(design, tagDomain)
		if len(predicates) == 0 {
			continue
		}
		wb.Add(writeSheet(design, name, tagDomain, predicates))
	}
	return wb
}

func domainPredicates(design *domain.ExperimentDesign, tagDomain string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, rack := range design.Racks {
		for _, tag := range rack.Layout.Tags() {
			if tag.Domain != tagDomain {
				continue
			}
			if _, ok := seen[tag.Predicate]; !ok {
				seen[tag.Predicate] = struct{}{}
				out = append(out, tag.Predicate)
			}
		}
	}
	sort.Strings(out)
	return out
}

func writeSheet(design *domain.ExperimentDesign, name, tagDomain string, predicates []string) *workbook.MemorySheet {
	sheet := workbook.NewMemorySheet(name)
	codes := make(map[string]int)
	var combos [][]string
	rackCodes := make([]map[domain.RackPosition]int, len(design.Racks))
	for i, rack := range design.Racks {
		rackCodes[i] = make(map[domain.RackPosition]int)
		for _, pos := range rack.Layout.Positions() {
			values := make([]string, len(predicates))
			found := false
			for _, tag := range rack.Layout.TagsForPosition(pos) {
				if tag.Domain != tagDomain {
					continue
				}
				for k, pred := range predicates {
					if pred == tag.Predicate {
						values[k] = tag.Value
						found = true
					}
				}
			}
			if !found {
				continue
			}
			key := strings.Join(values, "\x00")
			code, ok := codes[key]
			if !ok {
				code = len(combos) + 1
				codes[key] = code
				combos = append(combos, values)
			}
			rackCodes[i][pos] = code
		}
	}

	header := []any{layoutparser.MarkerFactor, layoutparser.MarkerCode}
	for _, p := range predicates {
		header = append(header, p)
	}
	sheet.SetRow(0, 0, header...)
	sheet.Set(1, 0, layoutparser.MarkerLevel)
	for i, values := range combos {
		row := 1 + i
		sheet.Set(row, 1, i+1)
		for k, v := range values {
			if v != "" {
				sheet.Set(row, 2+k, v)
			}
		}
	}

	row := 2 + len(combos)
	for i, rack := range design.Racks {
		if len(rackCodes[i]) == 0 {
			continue
		}
		row++
		sheet.Set(row, 0, "Plate "+rack.Label)
		row++
		shape := rack.Layout.Shape
		for c := 1; c <= shape.Columns; c++ {
			sheet.Set(row, c, c)
		}
		for r := 0; r < shape.Rows; r++ {
			sheet.Set(row+1+r, 0, domain.RowLetters(r))
		}
		for pos, code := range rackCodes[i] {
			sheet.Set(row+1+pos.Row, 1+pos.Column, code)
		}
		row += shape.Rows + 1
	}
	return sheet
}
