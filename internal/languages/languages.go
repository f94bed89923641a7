package languages

import "strings"

type Language struct {
	Name string `json:"name"`
	Code string `json:"code"`
}

var Supported = []Language{
	{Name: "English", Code: "en"},
	{Name: "Spanish", Code: "es"},
	{Name: "French", Code: "fr"},
	{Name: "German", Code: "de"},
	{Name: "Italian", Code: "it"},
	{Name: "Portuguese", Code: "pt"},
	{Name: "Russian", Code: "ru"},
	{Name: "Chinese", Code: "zh"},
	{Name: "Japanese", Code: "ja"},
	{Name: "Korean", Code: "ko"},
	{Name: "Arabic", Code: "ar"},
	{Name: "Hindi", Code: "hi"},
	{Name: "Dutch", Code: "nl"},
	{Name: "Swedish", Code: "sv"},
	{Name: "Norwegian", Code: "no"},
	{Name: "Danish", Code: "da"},
	{Name: "Finnish", Code: "fi"},
	{Name: "Polish", Code: "pl"},
	{Name: "Czech", Code: "cs"},
	{Name: "Turkish", Code: "tr"},
}

// Normalize returns the canonical lowercase code for a language given by
// code or name. ok is false for unsupported languages.
func Normalize(language string) (code string, ok bool) {
	language = strings.TrimSpace(language)
	for _, lang := range Supported {
		if strings.EqualFold(lang.Code, language) || strings.EqualFold(lang.Name, language) {
			return lang.Code, true
		}
	}
	return "", false
}

func IsValid(language string) bool {
	_, ok := Normalize(language)
	return ok
}
