package ui

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

const panelWidth = 78

// RenderPanel draws a titled box around label/value rows
func RenderPanel(title string, rows [][2]string) string {
	var sb strings.Builder

	titleText := " " + title + " "
	leftDashes := 3
	rightDashes := panelWidth - 2 - leftDashes - utf8.RuneCountInString(titleText)
	if rightDashes < 0 {
		rightDashes = 0
	}
	sb.WriteString(Color(Cyan, BoxTopLeft+strings.Repeat(BoxHorizontal, leftDashes)))
	sb.WriteString(Color(Cyan+Bold, titleText))
	sb.WriteString(Color(Cyan, strings.Repeat(BoxHorizontal, rightDashes)+BoxTopRight))
	sb.WriteString("\n")

	for _, row := range rows {
		sb.WriteString(formatInfoLine(row[0], row[1], panelWidth))
	}

	sb.WriteString(Color(Cyan, BoxBottomLeft+strings.Repeat(BoxHorizontal, panelWidth-2)+BoxBottomRight))
	sb.WriteString("\n")
	return sb.String()
}

func formatInfoLine(label, value string, width int) string {
	var sb strings.Builder

	// " label: value"
	maxValue := width - 2 - len(label) - 4
	if maxValue > 0 && utf8.RuneCountInString(value) > maxValue {
		value = string([]rune(value)[:maxValue-1]) + "…"
	}
	padding := width - 2 - len(label) - 4 - visibleLength(value)
	if padding < 0 {
		padding = 0
	}

	sb.WriteString(Color(Cyan, BoxVertical))
	sb.WriteString(" ")
	sb.WriteString(Color(Dim, label+":"))
	sb.WriteString(" ")
	sb.WriteString(value)
	sb.WriteString(strings.Repeat(" ", padding+1))
	sb.WriteString(Color(Cyan, BoxVertical))
	sb.WriteString("\n")

	return sb.String()
}

// visibleLength returns the visible length of a string, ignoring ANSI codes
func visibleLength(s string) int {
	inEscape := false
	visible := 0
	for _, r := range s {
		if r == '\033' {
			inEscape = true
			continue
		}
		if inEscape {
			if r == 'm' {
				inEscape = false
			}
			continue
		}
		visible++
	}
	return visible
}

// RenderStatus formats a daemon status document
func RenderStatus(st map[string]interface{}) string {
	var sb strings.Builder

	state := fmt.Sprint(st["state"])
	if state == "QUERYING" {
		state = Color(Yellow, state)
	} else {
		state = Color(Green, state)
	}
	sb.WriteString(RenderPanel("btlite", [][2]string{
		{"GUID", fmt.Sprint(st["guid"])},
		{"Service", fmt.Sprint(st["service_id"])},
		{"State", state},
		{"Pending", fmt.Sprint(st["pending"])},
		{"Advertised", joinList(st["advertised"])},
	}))

	if records, _ := st["records"].([]interface{}); len(records) > 0 {
		sb.WriteString("\n" + Color(Bold, "Service records") + "\n")
		for _, r := range records {
			rec, _ := r.(map[string]interface{})
			sb.WriteString(fmt.Sprintf("  %-24s %s %s\n", rec["addr"], rec["service_id"], RenderDim(fmt.Sprint(rec["last_seen"]))))
		}
	}

	if endpoints, _ := st["endpoints"].([]interface{}); len(endpoints) > 0 {
		sb.WriteString("\n" + Color(Bold, "Endpoints") + "\n")
		for _, e := range endpoints {
			ep, _ := e.(map[string]interface{})
			attached := RenderDim("waiting for local peer")
			if connected, _ := ep["connected"].(bool); connected {
				attached = Color(Green, "attached")
			}
			origin := "accepted"
			if spec, _ := ep["spec"].(string); spec != "" {
				origin = spec
			}
			sb.WriteString(fmt.Sprintf("  %s  %s ch %v  %s  %s  %s\n",
				ep["id"], ep["remote"], ep["channel"], ep["local_addr"], attached, RenderDim(origin)))
		}
	}
	return sb.String()
}

// RenderEvent formats one daemon event on a single line
func RenderEvent(ev map[string]interface{}) string {
	prefix := RenderDim(fmt.Sprintf("#%v %v", ev["seq"], ev["time"]))
	switch ev["kind"] {
	case "found_name":
		return fmt.Sprintf("%s %s %s guid=%v addr=%v port=%v", prefix,
			Color(Bold+Magenta, "found"), ev["names"], ev["guid"], ev["addr"], ev["port"])
	case "accepted":
		return fmt.Sprintf("%s %s endpoint=%v", prefix, Color(Bold+Cyan, "accepted"), ev["endpoint_id"])
	default:
		keys := make([]string, 0, len(ev))
		for k := range ev {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, ev[k]))
		}
		return prefix + " " + strings.Join(parts, " ")
	}
}

func joinList(v interface{}) string {
	items, _ := v.([]interface{})
	if len(items) == 0 {
		return RenderDim("none")
	}
	parts := make([]string, len(items))
	for i, it := range items {
		parts[i] = fmt.Sprint(it)
	}
	return strings.Join(parts, ", ")
}

// RenderError formats an error message
func RenderError(err error) string {
	return Color(Red, fmt.Sprintf("Error: %v", err))
}

// RenderSuccess formats a success message
func RenderSuccess(msg string) string {
	return Color(Green, msg)
}

// RenderDim formats text in dim style
func RenderDim(msg string) string {
	return Color(Dim, msg)
}
