// Package parse converts raw platform HTML into structured records. All
// functions are pure and stateless; network concerns live in the harvest
// package.
package parse

import (
	"fmt"
	"html"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"carhive/ingest-service/internal/model"
)

// UnparseableRow describes a list row that carried an identifier but could
// not be converted into a summary. Callers must handle these explicitly
// instead of silently dropping fields.
type UnparseableRow struct {
	ExternalID string
	Reason     string
	Snippet    string
}

// ListResult is the outcome of parsing one listing page.
type ListResult struct {
	Rows        []model.AuctionSummary
	Unparseable []UnparseableRow
}

var (
	brRe         = regexp.MustCompile(`(?i)<br\s*/?>`)
	tagRe        = regexp.MustCompile(`<[^>]*>`)
	dateRe       = regexp.MustCompile(`\b(\d{2})/(\d{2})/(\d{4})\b`)
	mileageRe    = regexp.MustCompile(`(?i)\b([\d.,\x{a0} ]+?)\s*km\b`)
	engineRe     = regexp.MustCompile(`(?i)\b(\d+)\s*cc\b`)
	powerRe      = regexp.MustCompile(`(?i)\b(\d+)\s*kw\b`)
	co2Re        = regexp.MustCompile(`(?i)\b(\d+)\s*gr\b`)
	auctionIDRe  = regexp.MustCompile(`\bauction_id=(\d+)`)
	bareIDRe     = regexp.MustCompile(`\b(\d{6,})\b`)
	dayIDAttrRe  = regexp.MustCompile(`data-day-id="(\d+)"`)
	dayIDParamRe = regexp.MustCompile(`day_id=(\d+)`)
	vinRe        = regexp.MustCompile(`\b[A-HJ-NPR-Z0-9]{17}\b`)
	vinWindowRe  = regexp.MustCompile(`\b[a-hj-npr-z0-9]{17}\b`)
	fuelRe       = regexp.MustCompile(`(?i)\b(diesel|petrol|essence|hybrid|electric|lpg|cng)\b`)
)

// ParseList extracts auction summaries from a listing page. Rows are keyed
// by a data-auction-id attribute; rows without one are skipped entirely,
// rows with one that fail field extraction are reported as Unparseable.
func ParseList(rawHTML string) (ListResult, error) {
	doc, err := newDocument(rawHTML)
	if err != nil {
		return ListResult{}, fmt.Errorf("parse listing page: %w", err)
	}

	var result ListResult
	rows := doc.Find("[data-auction-id]")
	rows.Each(func(_ int, row *goquery.Selection) {
		id := strings.TrimSpace(row.AttrOr("data-auction-id", ""))
		if id == "" {
			return
		}
		summary, reason := parseListRow(row, id)
		if reason != "" {
			snippet, _ := goquery.OuterHtml(row)
			result.Unparseable = append(result.Unparseable, UnparseableRow{
				ExternalID: id,
				Reason:     reason,
				Snippet:    truncate(snippet, 500),
			})
			return
		}
		result.Rows = append(result.Rows, *summary)
	})

	// Fallback for structurally different pages: no keyed rows at all, but
	// identifiers may still appear in hrefs or raw text.
	if rows.Length() == 0 {
		for _, id := range fallbackIdentifiers(doc, rawHTML) {
			result.Rows = append(result.Rows, model.AuctionSummary{ExternalID: id})
		}
	}

	return result, nil
}

func parseListRow(row *goquery.Selection, id string) (*model.AuctionSummary, string) {
	cells := row.Find("td")
	if cells.Length() == 0 {
		return nil, "row has no cells"
	}

	summary := &model.AuctionSummary{ExternalID: id}
	if raw, err := goquery.OuterHtml(row); err == nil {
		summary.RawSource = raw
	}

	if src, ok := row.Find("img").First().Attr("src"); ok {
		summary.ThumbnailURL = normalizeURL(src)
	}

	// The main cell holds brand / model / mileage / status as <br>-separated
	// lines, in that order.
	mainCell := row.Find("td.vehicle").First()
	if mainCell.Length() == 0 && cells.Length() > 1 {
		mainCell = cells.Eq(1)
	}
	main := cellLines(mainCell)
	if len(main) == 0 {
		main = cellLines(cells.First())
	}
	if len(main) < 2 {
		return nil, "main cell missing brand/model lines"
	}
	summary.Brand = main[0]
	summary.Model = main[1]
	if len(main) > 2 {
		if km, ok := parseMileage(main[2]); ok {
			summary.Mileage = &km
		}
	}
	if len(main) > 3 {
		summary.Status = main[3]
	}

	text := row.Text()

	// Registration date cell: a dd/mm/yyyy token anywhere in the row yields
	// the registration year. The last date token is the expiration date.
	dates := dateRe.FindAllStringSubmatch(text, -1)
	if len(dates) > 0 {
		if y, err := strconv.Atoi(dates[0][3]); err == nil {
			summary.Year = &y
		}
	}
	if len(dates) > 1 {
		last := dates[len(dates)-1]
		if ts, err := parseDayMonthYear(last[1], last[2], last[3]); err == nil {
			summary.ExpiresAt = &ts
		}
	}

	// Secondary technical block: fuel plus unit-suffixed values.
	if m := engineRe.FindStringSubmatch(text); m != nil {
		if v, err := strconv.Atoi(m[1]); err == nil {
			summary.EngineCC = &v
		}
	}
	if m := powerRe.FindStringSubmatch(text); m != nil {
		if v, err := strconv.Atoi(m[1]); err == nil {
			summary.PowerKW = &v
		}
	}
	if m := co2Re.FindStringSubmatch(text); m != nil {
		if v, err := strconv.Atoi(m[1]); err == nil {
			summary.CO2 = &v
		}
	}
	summary.FuelType = findFuelType(text)

	// Four-line location block.
	if loc := cellLines(row.Find("td.location").First()); len(loc) >= 4 {
		summary.Location = model.Location{Name: loc[0], Address: loc[1], City: loc[2], Country: loc[3]}
	}

	return summary, ""
}

// findFuelType matches the known fuel names as whole words in row text and
// returns the canonical capitalized form.
func findFuelType(text string) string {
	m := fuelRe.FindString(text)
	if m == "" {
		return ""
	}
	upper := strings.ToUpper(m)
	if upper == "LPG" || upper == "CNG" {
		return upper
	}
	return strings.ToUpper(m[:1]) + strings.ToLower(m[1:])
}

// fallbackIdentifiers scans generic identifier-bearing attributes, link
// hrefs with an auction_id parameter, and finally raw text for an
// identifier-shaped number.
func fallbackIdentifiers(doc *goquery.Document, rawHTML string) []string {
	seen := map[string]bool{}
	var ids []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}

	doc.Find("[data-id], [data-item-id]").Each(func(_ int, s *goquery.Selection) {
		add(strings.TrimSpace(s.AttrOr("data-id", s.AttrOr("data-item-id", ""))))
	})
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		if m := auctionIDRe.FindStringSubmatch(s.AttrOr("href", "")); m != nil {
			add(m[1])
		}
	})
	if len(ids) == 0 {
		for _, m := range auctionIDRe.FindAllStringSubmatch(rawHTML, -1) {
			add(m[1])
		}
	}
	if len(ids) == 0 {
		for _, m := range bareIDRe.FindAllStringSubmatch(doc.Text(), -1) {
			add(m[1])
		}
	}
	return ids
}

// ParseDetail extracts the paid-scope record from a detail page: the VIN if
// visible, the flat label→value technical field map, and every
// full-resolution image reference.
func ParseDetail(rawHTML, externalID string) (model.AuctionDetail, error) {
	doc, err := newDocument(rawHTML)
	if err != nil {
		return model.AuctionDetail{}, fmt.Errorf("parse detail page: %w", err)
	}

	detail := model.AuctionDetail{
		ExternalID: externalID,
		Fields:     map[string]string{},
		RawSource:  rawHTML,
	}

	detail.VIN = findVIN(doc.Text())

	// Labeled field pairs: definition lists and table rows both occur.
	doc.Find("dt").Each(func(_ int, dt *goquery.Selection) {
		dd := dt.NextFiltered("dd")
		addField(detail.Fields, dt.Text(), dd.Text())
	})
	doc.Find("tr").Each(func(_ int, tr *goquery.Selection) {
		th := tr.Find("th").First()
		td := tr.Find("td").First()
		addField(detail.Fields, th.Text(), td.Text())
	})

	seen := map[string]bool{}
	doc.Find("img").Each(func(_ int, img *goquery.Selection) {
		src, ok := img.Attr("src")
		if !ok {
			return
		}
		if isAssetImage(src) {
			return
		}
		u := normalizeURL(src)
		if !seen[u] {
			seen[u] = true
			detail.ImageURLs = append(detail.ImageURLs, u)
		}
	})

	return detail, nil
}

// vinLabels are the two label words that mark the identification number.
var vinLabels = []string{"vin", "chassis"}

// findVIN scans page text for a 17-character identification number adjacent
// to one of the known label words, falling back to a bare pattern match.
// Label search and window slicing both happen on the lowered string: ToLower
// can change byte lengths, so an offset found in one string must never be
// used to slice the other.
func findVIN(text string) string {
	lower := strings.ToLower(text)
	for _, label := range vinLabels {
		idx := strings.Index(lower, label)
		if idx < 0 {
			continue
		}
		window := lower[idx:min(idx+120, len(lower))]
		if m := vinWindowRe.FindString(window); m != "" {
			return strings.ToUpper(m)
		}
	}
	return vinRe.FindString(text)
}

func addField(fields map[string]string, label, value string) {
	label = strings.TrimSuffix(strings.TrimSpace(label), ":")
	value = strings.TrimSpace(value)
	if label == "" || value == "" {
		return
	}
	if _, exists := fields[label]; !exists {
		fields[label] = value
	}
}

// isAssetImage filters obvious logo/icon/sprite assets out of the image set.
func isAssetImage(src string) bool {
	lower := strings.ToLower(src)
	for _, marker := range []string{"logo", "icon", "sprite", "spacer", "blank."} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// ExtractDayTabs scans menu markup for day identifiers in either of the two
// forms the platform emits (a query parameter and a data attribute),
// de-duplicated and sorted ascending.
func ExtractDayTabs(rawHTML string) []int {
	seen := map[int]bool{}
	var tabs []int
	for _, re := range []*regexp.Regexp{dayIDParamRe, dayIDAttrRe} {
		for _, m := range re.FindAllStringSubmatch(rawHTML, -1) {
			if v, err := strconv.Atoi(m[1]); err == nil && !seen[v] {
				seen[v] = true
				tabs = append(tabs, v)
			}
		}
	}
	sort.Ints(tabs)
	return tabs
}

// newDocument builds a goquery document, unwrapping the odd response that
// arrives with the real markup entity-encoded inside a <pre> block.
func newDocument(rawHTML string) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return nil, err
	}
	pre := doc.Find("pre").First()
	if pre.Length() > 0 {
		inner := html.UnescapeString(pre.Text())
		if strings.Contains(inner, "<table") {
			return goquery.NewDocumentFromReader(strings.NewReader(inner))
		}
	}
	return doc, nil
}

// cellLines splits a cell's inner HTML on <br> markers and returns the
// non-empty text lines in order.
func cellLines(cell *goquery.Selection) []string {
	if cell.Length() == 0 {
		return nil
	}
	inner, err := cell.Html()
	if err != nil {
		return nil
	}
	var lines []string
	for _, part := range brRe.Split(inner, -1) {
		text := strings.TrimSpace(html.UnescapeString(tagRe.ReplaceAllString(part, " ")))
		text = strings.Join(strings.Fields(text), " ")
		if text != "" {
			lines = append(lines, text)
		}
	}
	return lines
}

func parseDayMonthYear(day, month, year string) (time.Time, error) {
	return time.Parse("02/01/2006", fmt.Sprintf("%s/%s/%s", day, month, year))
}

func parseMileage(s string) (int, bool) {
	m := mileageRe.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, m[1])
	v, err := strconv.Atoi(digits)
	if err != nil {
		return 0, false
	}
	return v, true
}

func normalizeURL(src string) string {
	src = strings.TrimSpace(src)
	if src == "" || strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
		return src
	}
	if strings.HasPrefix(src, "//") {
		return "https:" + src
	}
	if !strings.HasPrefix(src, "/") {
		return "/" + src
	}
	return src
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
