package domain

// ThemeColor keys the theme registry.
type ThemeColor string

const (
	ThemeFuchsia ThemeColor = "fuchsia"
	ThemeCyan    ThemeColor = "cyan"
	ThemeEmerald ThemeColor = "emerald"
	ThemeOrange  ThemeColor = "orange"
	ThemeRose    ThemeColor = "rose"
)

// ThemeColorLabels maps each color key to its display name.
var ThemeColorLabels = map[ThemeColor]string{
	ThemeFuchsia: "Fuchsia",
	ThemeCyan:    "Cyan",
	ThemeEmerald: "Emerald",
	ThemeOrange:  "Orange",
	ThemeRose:    "Rose",
}

// Valid reports whether c names a registered theme.
func (c ThemeColor) Valid() bool {
	_, ok := themes[c]
	return ok
}

// DefaultThemeColor returns the color a user has before choosing one.
func DefaultThemeColor(u User) ThemeColor {
	if u == UserKhushi {
		return ThemeCyan
	}
	return ThemeFuchsia
}

type HeaderTheme struct {
	HeaderBg   string `json:"headerBg"`
	HeaderText string `json:"headerText"`
	TitleText  string `json:"titleText"`
}

type MessageTheme struct {
	SentBg        string `json:"sentBg"`
	SentText      string `json:"sentText"`
	ReceivedBg    string `json:"receivedBg"`
	ReceivedText  string `json:"receivedText"`
	TimestampText string `json:"timestampText"`
}

type MessageInputTheme struct {
	InputContainerBg  string `json:"inputContainerBg"`
	InputBg           string `json:"inputBg"`
	InputText         string `json:"inputText"`
	InputPlaceholder  string `json:"inputPlaceholder"`
	InputRing         string `json:"inputRing"`
	SendButtonBg      string `json:"sendButtonBg"`
	SendButtonHoverBg string `json:"sendButtonHoverBg"`
}

type DrawerTheme struct {
	DrawerBg       string `json:"drawerBg"`
	DrawerText     string `json:"drawerText"`
	DrawerHeaderBg string `json:"drawerHeaderBg"`
	InputBg        string `json:"inputBg"`
	ButtonColor    string `json:"buttonColor"`
	AccentColor    string `json:"accentColor"`
}

type SwitcherTheme struct {
	ContainerBg     string `json:"containerBg"`
	ActiveBg        string `json:"activeBg"`
	ActiveText      string `json:"activeText"`
	InactiveText    string `json:"inactiveText"`
	InactiveHoverBg string `json:"inactiveHoverBg"`
}

// Theme is the presentation bundle for one color.
type Theme struct {
	AppBg        string            `json:"appBg"`
	ChatWindowBg string            `json:"chatWindowBg"`
	Header       HeaderTheme       `json:"header"`
	Message      MessageTheme      `json:"message"`
	MessageInput MessageInputTheme `json:"messageInput"`
	Drawer       DrawerTheme       `json:"drawer"`
	Switcher     SwitcherTheme     `json:"switcher"`
}

// LookupTheme returns the bundle for c, falling back to fuchsia.
func LookupTheme(c ThemeColor) Theme {
	if t, ok := themes[c]; ok {
		return t
	}
	return themes[ThemeFuchsia]
}

var themes = map[ThemeColor]Theme{
	ThemeFuchsia: buildTheme("fuchsia"),
	ThemeCyan:    buildTheme("cyan"),
	ThemeEmerald: buildTheme("emerald"),
	ThemeOrange:  buildTheme("orange"),
	ThemeRose:    buildTheme("rose"),
}

// All five palettes share one shape and differ only in the accent hue.
func buildTheme(hue string) Theme {
	return Theme{
		AppBg:        "bg-gray-900",
		ChatWindowBg: "bg-gray-800",
		Header: HeaderTheme{
			HeaderBg:   "bg-gray-900/80",
			HeaderText: "text-" + hue + "-300",
			TitleText:  "text-" + hue + "-400",
		},
		Message: MessageTheme{
			SentBg:        "bg-" + hue + "-600",
			SentText:      "text-white",
			ReceivedBg:    "bg-gray-700",
			ReceivedText:  "text-gray-100",
			TimestampText: "text-" + hue + "-200",
		},
		MessageInput: MessageInputTheme{
			InputContainerBg:  "bg-gray-900",
			InputBg:           "bg-gray-700",
			InputText:         "text-gray-100",
			InputPlaceholder:  "placeholder-gray-400",
			InputRing:         "focus:ring-" + hue + "-500",
			SendButtonBg:      "bg-" + hue + "-600",
			SendButtonHoverBg: "hover:bg-" + hue + "-500",
		},
		Drawer: DrawerTheme{
			DrawerBg:       "bg-gray-900",
			DrawerText:     "text-gray-100",
			DrawerHeaderBg: "bg-" + hue + "-900/40",
			InputBg:        "bg-gray-800",
			ButtonColor:    "bg-" + hue + "-600",
			AccentColor:    "border-" + hue + "-500",
		},
		Switcher: SwitcherTheme{
			ContainerBg:     "bg-gray-800",
			ActiveBg:        "bg-" + hue + "-600",
			ActiveText:      "text-white",
			InactiveText:    "text-gray-400",
			InactiveHoverBg: "hover:bg-gray-700",
		},
	}
}
