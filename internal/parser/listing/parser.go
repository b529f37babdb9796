// Package listing parses kolesa.kz listing detail pages into normalized records.
package listing

import (
	"bytes"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/JakeFAU/listing-warehouse/internal/warehouse"
)

// Characteristic labels as rendered on the detail page.
const (
	labelCity         = "Город"
	labelRegion       = "Регион"
	labelOblast       = "Область"
	labelGeneration   = "Поколение"
	labelBody         = "Кузов"
	labelTransmission = "Коробка передач"
	labelDrivetrain   = "Привод"
	labelSteering     = "Руль"
	labelColor        = "Цвет"
	labelEngine       = "Объем двигателя, л"
	labelMileage      = "Пробег"
	labelMileageKM    = "Пробег, км"
	labelCustoms      = "Растаможен в Казахстане"
	labelDealer       = "Проверенный продавец"
	labelOptions      = "Опции и характеристики"
)

const (
	sellerDealer  = "dealer"
	sellerPrivate = "private"
	maxOptions    = 19
)

var (
	priceRe   = regexp.MustCompile(`(\d[\d ]*)\s*₸`)
	mileageRe = regexp.MustCompile(`(?i)(\d+(?: ?\d+)*)\s*(?:км|km)`)
	volumeRe  = regexp.MustCompile(`(\d+(?:[.,]\d+)?)`)
	fuelRe    = regexp.MustCompile(`\(([^)]+)\)`)
	yearRe    = regexp.MustCompile(`\b(19\d{2}|20\d{2})\b`)
	leadYear  = regexp.MustCompile(`^\d{4}`)
	userIDRe  = regexp.MustCompile(`/user/(\d+)`)

	removalMarkers = []string{
		"объявление удалено",
		"объявление не найдено",
		"снято с продажи",
		"страница не найдена",
	}
	titleSkipWords  = map[string]bool{"г.": true, "год": true, "year": true}
	sectionHeadings = []string{labelCity, labelGeneration, labelBody}
)

// Parser implements warehouse.Parser.
type Parser struct {
	baseURL string
}

// New creates a Parser. baseURL resolves relative photo links.
func New(baseURL string) *Parser {
	return &Parser{baseURL: strings.TrimRight(baseURL, "/")}
}

// Parse extracts a NormalizedRecord. Missing attributes stay nil; a page without a title cannot be
// interpreted and yields a *ParseError.
func (p *Parser) Parse(raw []byte, url string, entityID int64) (warehouse.NormalizedRecord, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return warehouse.NormalizedRecord{}, &warehouse.ParseError{EntityID: entityID, Reason: "empty document"}
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return warehouse.NormalizedRecord{}, &warehouse.ParseError{EntityID: entityID, Reason: "invalid html", Err: err}
	}

	lines := textLines(doc)
	text := strings.Join(lines, "\n")
	lower := strings.ToLower(text)
	for _, marker := range removalMarkers {
		if strings.Contains(lower, marker) {
			return warehouse.NormalizedRecord{}, fmt.Errorf("listing %d: %w", entityID, warehouse.ErrNotFound)
		}
	}

	title := clean(doc.Find("h1").First().Text())
	if title == nil {
		return warehouse.NormalizedRecord{}, &warehouse.ParseError{EntityID: entityID, Reason: "missing title"}
	}

	after := func(labels ...string) *string {
		for _, label := range labels {
			if i := slices.Index(lines, label); i >= 0 && i+1 < len(lines) {
				return clean(lines[i+1])
			}
		}
		return nil
	}

	rec := warehouse.NormalizedRecord{EntityID: entityID}
	l := &rec.Listing
	l.URL = url
	l.Title = title
	l.Price = firstInt(priceRe, text)
	l.City = after(labelCity)
	l.Region = after(labelRegion, labelOblast)
	l.Generation = after(labelGeneration)
	l.BodyType = after(labelBody)
	l.Transmission = after(labelTransmission)
	l.Drivetrain = after(labelDrivetrain)
	l.Steering = after(labelSteering)
	l.Color = after(labelColor)
	l.CustomsCleared = yesNo(after(labelCustoms))
	l.MileageKM = mileage(after(labelMileage, labelMileageKM), text)
	l.EngineVolumeL, l.EngineType = engine(after(labelEngine))
	l.Make, l.Model, l.Trim, l.CarYear = fromTitle(*title)

	if slices.Contains(lines, labelDealer) {
		l.SellerName = after(labelDealer)
	}
	seller := sellerPrivate
	if l.SellerName != nil {
		seller = sellerDealer
	}
	l.SellerType = &seller
	l.SellerUserID = sellerUserID(doc)
	l.OptionsText = options(lines)
	l.Photos = p.photos(doc)

	photoCount := len(l.Photos)
	rec.PhotoCount = &photoCount
	return rec, nil
}

func textLines(doc *goquery.Document) []string {
	var out []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript":
				return
			}
		}
		if n.Type == html.TextNode {
			for _, line := range strings.Split(n.Data, "\n") {
				if s := clean(line); s != nil {
					out = append(out, *s)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range doc.Nodes {
		walk(n)
	}
	return out
}

func clean(s string) *string {
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return nil
	}
	return &s
}

func firstInt(re *regexp.Regexp, s string) *int64 {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return nil
	}
	n, err := strconv.ParseInt(strings.ReplaceAll(m[1], " ", ""), 10, 64)
	if err != nil {
		return nil
	}
	return &n
}

func mileage(label *string, text string) *int {
	for _, src := range []*string{label, &text} {
		if src == nil {
			continue
		}
		if n := firstInt(mileageRe, *src); n != nil {
			v := int(*n)
			return &v
		}
	}
	return nil
}

func engine(raw *string) (*float64, *string) {
	if raw == nil {
		return nil, nil
	}
	var volume *float64
	if m := volumeRe.FindStringSubmatch(*raw); m != nil {
		if v, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", "."), 64); err == nil {
			volume = &v
		}
	}
	var fuel *string
	if m := fuelRe.FindStringSubmatch(*raw); m != nil {
		fuel = clean(m[1])
	}
	return volume, fuel
}

func yesNo(v *string) *bool {
	if v == nil {
		return nil
	}
	switch *v {
	case "Да":
		return warehouse.Ptr(true)
	case "Нет":
		return warehouse.Ptr(false)
	}
	return nil
}

// fromTitle reads "Make Model [Trim] YYYY г." best-effort.
func fromTitle(title string) (brand, model, trim *string, year *int) {
	parts := strings.Fields(title)
	if len(parts) >= 2 {
		brand, model = &parts[0], &parts[1]
		for _, part := range parts[2:] {
			if !titleSkipWords[strings.ToLower(part)] && !leadYear.MatchString(part) {
				trim = warehouse.Ptr(part)
				break
			}
		}
	}
	if m := yearRe.FindStringSubmatch(title); m != nil {
		if y, err := strconv.Atoi(m[1]); err == nil {
			year = &y
		}
	}
	return brand, model, trim, year
}

func options(lines []string) *string {
	i := slices.Index(lines, labelOptions)
	if i < 0 {
		return nil
	}
	var opts []string
	for _, line := range lines[i+1 : min(i+1+maxOptions, len(lines))] {
		if isHeading(line) {
			break
		}
		opts = append(opts, line)
	}
	if len(opts) == 0 {
		return nil
	}
	return clean(strings.Join(opts, "; "))
}

func isHeading(line string) bool {
	return slices.Contains(sectionHeadings, line) || (strings.ToUpper(line) == line && strings.ToLower(line) != line)
}

func sellerUserID(doc *goquery.Document) *int64 {
	var id *int64
	doc.Find("[data-user-id], a[href*='/user/']").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		raw, ok := s.Attr("data-user-id")
		if !ok {
			href, _ := s.Attr("href")
			m := userIDRe.FindStringSubmatch(href)
			if m == nil {
				return true
			}
			raw = m[1]
		}
		if n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64); err == nil && n > 0 {
			id = &n
			return false
		}
		return true
	})
	return id
}

func (p *Parser) photos(doc *goquery.Document) []string {
	var out []string
	seen := map[string]bool{}
	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		src := firstAttr(s, "data-src", "src", "data-lazy-src")
		switch {
		case strings.HasPrefix(src, "//"):
			src = "https:" + src
		case strings.HasPrefix(src, "/"):
			src = p.baseURL + src
		case strings.HasPrefix(src, "http://"), strings.HasPrefix(src, "https://"):
		default:
			return
		}
		if !seen[src] {
			seen[src] = true
			out = append(out, src)
		}
	})
	return out
}

func firstAttr(s *goquery.Selection, names ...string) string {
	for _, name := range names {
		if v, ok := s.Attr(name); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
