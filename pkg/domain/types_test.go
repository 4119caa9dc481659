package domain

import (
	"encoding/json"
	"testing"
)

func TestSuggestionJSONShapes(t *testing.T) {
	structured := Suggestion{Reflection: &Reflection{Mood: "calm", Acknowledgement: "a", Encouragement: "e"}}
	data, err := json.Marshal(structured)
	if err != nil {
		t.Fatalf("marshal structured: %v", err)
	}
	if string(data) != `{"mood":"calm","acknowledgement":"a","encouragement":"e"}` {
		t.Fatalf("unexpected structured json: %s", data)
	}

	var back Suggestion
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal structured: %v", err)
	}
	if back.Reflection == nil || back.Reflection.Mood != "calm" {
		t.Fatalf("expected structured suggestion, got %+v", back)
	}

	if err := json.Unmarshal([]byte(`"Sorry, an error occurred."`), &back); err != nil {
		t.Fatalf("unmarshal text: %v", err)
	}
	if back.Reflection != nil || back.Text != "Sorry, an error occurred." {
		t.Fatalf("expected text suggestion, got %+v", back)
	}
}

func TestParseUser(t *testing.T) {
	if u, err := ParseUser(" Khushi "); err != nil || u != UserKhushi {
		t.Fatalf("ParseUser(Khushi) = %q, %v", u, err)
	}
	if _, err := ParseUser("meet"); err == nil {
		t.Fatalf("expected lowercase tag to be rejected")
	}
}

func TestLookupThemeFallsBackToFuchsia(t *testing.T) {
	if got := LookupTheme("teal"); got != LookupTheme(ThemeFuchsia) {
		t.Fatalf("unknown color should fall back to fuchsia")
	}
	if LookupTheme(ThemeRose).Message.SentBg != "bg-rose-600" {
		t.Fatalf("rose theme not keyed by hue")
	}
	if DefaultThemeColor(UserKhushi) != ThemeCyan || DefaultThemeColor(UserMeet) != ThemeFuchsia {
		t.Fatalf("unexpected default theme colors")
	}
	for color := range ThemeColorLabels {
		if !color.Valid() {
			t.Fatalf("labelled color %q missing from registry", color)
		}
	}
}
