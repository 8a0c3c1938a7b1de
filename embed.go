package cognitutor

import "embed"

// TemplateFS contains the embedded HTML templates of the tutor. They are organized in a directory
// structure that separates layouts, pages, and partial views.
//
//go:embed templates/*
var TemplateFS embed.FS

// StaticFS contains the browser side of the tutor: the script bridging speech, audio and the event stream,
// and the stylesheet.
//
//go:embed static/*
var StaticFS embed.FS
