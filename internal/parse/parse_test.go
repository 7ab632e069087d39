package parse

import (
	"html"
	"strings"
	"testing"
)

const listFixture = `
<html><body>
<table>
<tr data-auction-id="4821907">
  <td><img src="/image?_auction_id=4821907&amp;_album_type=informex&amp;_photo_index=0&amp;_width=120&amp;_height=90"></td>
  <td class="vehicle">Volkswagen<br>Golf VII 1.6 TDI<br>125.430 km<br>Damaged</td>
  <td>12/03/2016</td>
  <td>Diesel<br>1598 cc<br>77 kw<br>109 gr</td>
  <td class="location">Depot North<br>Industrieweg 14<br>Antwerpen<br>Belgium</td>
  <td>28/02/2026</td>
</tr>
<tr data-auction-id="4821911">
  <td><img src="https://cdn.platform.example/thumbs/4821911.jpg"></td>
  <td class="vehicle">Peugeot<br>208 1.2 PureTech</td>
  <td>05/07/2019</td>
  <td>Essence<br>1199 cc<br>60 kw</td>
  <td class="location">Depot South<br>Rue du Port 3<br>Liège<br>Belgium</td>
  <td>01/03/2026</td>
</tr>
<tr><td>row without an identifier is skipped</td></tr>
<tr data-auction-id="4821999"><td></td></tr>
</table>
</body></html>`

func TestParseList_ExtractsKeyedRows(t *testing.T) {
	result, err := ParseList(listFixture)
	if err != nil {
		t.Fatalf("ParseList: %v", err)
	}
	if len(result.Rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(result.Rows))
	}

	got := result.Rows[0]
	if got.ExternalID != "4821907" {
		t.Errorf("ExternalID = %q", got.ExternalID)
	}
	if got.Brand != "Volkswagen" || got.Model != "Golf VII 1.6 TDI" {
		t.Errorf("brand/model = %q / %q", got.Brand, got.Model)
	}
	if got.Mileage == nil || *got.Mileage != 125430 {
		t.Errorf("Mileage = %v, want 125430", got.Mileage)
	}
	if got.Status != "Damaged" {
		t.Errorf("Status = %q, want Damaged", got.Status)
	}
	if got.Year == nil || *got.Year != 2016 {
		t.Errorf("Year = %v, want 2016", got.Year)
	}
	if got.FuelType != "Diesel" {
		t.Errorf("FuelType = %q, want Diesel", got.FuelType)
	}
	if got.EngineCC == nil || *got.EngineCC != 1598 {
		t.Errorf("EngineCC = %v, want 1598", got.EngineCC)
	}
	if got.PowerKW == nil || *got.PowerKW != 77 {
		t.Errorf("PowerKW = %v, want 77", got.PowerKW)
	}
	if got.CO2 == nil || *got.CO2 != 109 {
		t.Errorf("CO2 = %v, want 109", got.CO2)
	}
	if got.Location.City != "Antwerpen" || got.Location.Country != "Belgium" {
		t.Errorf("Location = %+v", got.Location)
	}
	if got.ExpiresAt == nil || got.ExpiresAt.Year() != 2026 || int(got.ExpiresAt.Month()) != 2 {
		t.Errorf("ExpiresAt = %v, want 2026-02-28", got.ExpiresAt)
	}
	if !strings.HasPrefix(got.ThumbnailURL, "/image?") {
		t.Errorf("ThumbnailURL = %q, want relative path kept root-anchored", got.ThumbnailURL)
	}
	if got.RawSource == "" {
		t.Error("RawSource should carry the row markup for audit")
	}
}

func TestParseList_AbsoluteThumbnailKept(t *testing.T) {
	result, err := ParseList(listFixture)
	if err != nil {
		t.Fatalf("ParseList: %v", err)
	}
	if result.Rows[1].ThumbnailURL != "https://cdn.platform.example/thumbs/4821911.jpg" {
		t.Errorf("ThumbnailURL = %q", result.Rows[1].ThumbnailURL)
	}
}

func TestParseList_BrokenRowReportedNotDropped(t *testing.T) {
	result, err := ParseList(listFixture)
	if err != nil {
		t.Fatalf("ParseList: %v", err)
	}
	if len(result.Unparseable) != 1 {
		t.Fatalf("unparseable = %d, want 1", len(result.Unparseable))
	}
	if result.Unparseable[0].ExternalID != "4821999" {
		t.Errorf("unparseable id = %q", result.Unparseable[0].ExternalID)
	}
	if result.Unparseable[0].Reason == "" {
		t.Error("unparseable row must carry a reason")
	}
}

func TestParseList_FallbackIdentifierDiscovery(t *testing.T) {
	page := `<html><body>
	<div data-id="5550001">one</div>
	<a href="/auction?auction_id=5550002">two</a>
	</body></html>`
	result, err := ParseList(page)
	if err != nil {
		t.Fatalf("ParseList: %v", err)
	}
	ids := map[string]bool{}
	for _, r := range result.Rows {
		ids[r.ExternalID] = true
	}
	if !ids["5550001"] || !ids["5550002"] {
		t.Errorf("fallback ids = %v, want 5550001 and 5550002", ids)
	}
}

func TestParseList_PreWrappedPayload(t *testing.T) {
	inner := `<table><tr data-auction-id="777123"><td class="vehicle">Ford<br>Focus</td></tr></table>`
	page := "<html><body><pre>" + html.EscapeString(inner) + "</pre></body></html>"
	result, err := ParseList(page)
	if err != nil {
		t.Fatalf("ParseList: %v", err)
	}
	if len(result.Rows) != 1 || result.Rows[0].ExternalID != "777123" {
		t.Fatalf("rows = %+v, want the pre-wrapped row", result.Rows)
	}
	if result.Rows[0].Brand != "Ford" {
		t.Errorf("Brand = %q, want Ford", result.Rows[0].Brand)
	}
}

const detailFixture = `
<html><body>
<h1>Volkswagen Golf</h1>
<p>Chassis number: WVWZZZ1KZGW123456</p>
<dl>
  <dt>First registration:</dt><dd>12/03/2016</dd>
  <dt>Gearbox</dt><dd>Manual 5</dd>
  <dt>Empty value</dt><dd>  </dd>
</dl>
<table>
  <tr><th>Color</th><td>Grey metallic</td></tr>
  <tr><th>Doors</th><td>5</td></tr>
</table>
<img src="/image?_auction_id=4821907&amp;_album_type=informex&amp;_photo_index=0&amp;_width=1024&amp;_height=768">
<img src="//cdn.platform.example/full/4821907-1.jpg">
<img src="/assets/logo.png">
<img src="/static/icon-camera.svg">
<img src="/image?_auction_id=4821907&amp;_album_type=informex&amp;_photo_index=0&amp;_width=1024&amp;_height=768">
</body></html>`

func TestParseDetail_VINFieldsAndImages(t *testing.T) {
	detail, err := ParseDetail(detailFixture, "4821907")
	if err != nil {
		t.Fatalf("ParseDetail: %v", err)
	}
	if detail.VIN != "WVWZZZ1KZGW123456" {
		t.Errorf("VIN = %q", detail.VIN)
	}
	if detail.Fields["First registration"] != "12/03/2016" {
		t.Errorf("First registration = %q", detail.Fields["First registration"])
	}
	if detail.Fields["Gearbox"] != "Manual 5" {
		t.Errorf("Gearbox = %q", detail.Fields["Gearbox"])
	}
	if detail.Fields["Color"] != "Grey metallic" {
		t.Errorf("Color = %q", detail.Fields["Color"])
	}
	if _, ok := detail.Fields["Empty value"]; ok {
		t.Error("empty values must not be recorded")
	}
	if len(detail.ImageURLs) != 2 {
		t.Fatalf("images = %v, want 2 (logo/icon/duplicate excluded)", detail.ImageURLs)
	}
	if detail.ImageURLs[1] != "https://cdn.platform.example/full/4821907-1.jpg" {
		t.Errorf("protocol-relative src not normalized: %q", detail.ImageURLs[1])
	}
}

func TestParseDetail_VINLabelWindows(t *testing.T) {
	cases := []struct {
		name string
		page string
		want string
	}{
		{"vin label", `<html><body><p>VIN: TMBJJ7NE4J0123456</p></body></html>`, "TMBJJ7NE4J0123456"},
		{"chassis label", `<html><body><p>Chassis TMBJJ7NE4J0654321</p></body></html>`, "TMBJJ7NE4J0654321"},
		{"no vin", `<html><body><p>no identification here</p></body></html>`, ""},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			detail, err := ParseDetail(c.page, "x")
			if err != nil {
				t.Fatalf("ParseDetail: %v", err)
			}
			if detail.VIN != c.want {
				t.Errorf("VIN = %q, want %q", detail.VIN, c.want)
			}
		})
	}
}

func TestParseDetail_VINAfterLengthChangingRunes(t *testing.T) {
	// Ⱥ (U+023A) lowercases to ⱥ (U+2C65), which is one byte longer, so the
	// lowered page text is longer than the original. The VIN must still be
	// found without the label offset running past either string.
	prefix := strings.Repeat("Ⱥ", 200)
	page := `<html><body><p>` + prefix + ` vin: WVWZZZ1KZGW123456</p></body></html>`

	detail, err := ParseDetail(page, "x")
	if err != nil {
		t.Fatalf("ParseDetail: %v", err)
	}
	if detail.VIN != "WVWZZZ1KZGW123456" {
		t.Errorf("VIN = %q, want WVWZZZ1KZGW123456", detail.VIN)
	}
}

func TestExtractDayTabs_BothPatternsDedupedSorted(t *testing.T) {
	page := `
	<a href="/get?component=dashboard.auctions.Lists&day_id=3">Wednesday</a>
	<a href="/get?component=dashboard.auctions.Lists&day_id=1">Monday</a>
	<div data-day-id="5"></div>
	<div data-day-id="3"></div>`
	got := ExtractDayTabs(page)
	want := []int{1, 3, 5}
	if len(got) != len(want) {
		t.Fatalf("tabs = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("tabs = %v, want %v", got, want)
		}
	}
}

func TestExtractDayTabs_Empty(t *testing.T) {
	if got := ExtractDayTabs("<html><body>nothing here</body></html>"); len(got) != 0 {
		t.Errorf("tabs = %v, want none", got)
	}
}

func TestCellLines_SplitsOnBreakVariants(t *testing.T) {
	page := `<html><body><table><tr><td id="c">one<br>two<BR/>three<br />  </td></tr></table></body></html>`
	doc, err := newDocument(page)
	if err != nil {
		t.Fatal(err)
	}
	lines := cellLines(doc.Find("#c"))
	if len(lines) != 3 || lines[0] != "one" || lines[1] != "two" || lines[2] != "three" {
		t.Errorf("lines = %v", lines)
	}
}

func TestParseMileage(t *testing.T) {
	cases := []struct {
		in   string
		want int
		ok   bool
	}{
		{"125.430 km", 125430, true},
		{"125,430 km", 125430, true},
		{"88000km", 88000, true},
		{"no mileage", 0, false},
	}
	for _, c := range cases {
		got, ok := parseMileage(c.in)
		if ok != c.ok || got != c.want {
			t.Errorf("parseMileage(%q) = %d,%v want %d,%v", c.in, got, ok, c.want, c.ok)
		}
	}
}
