package emu

import "github.com/memdig/smkmdump/internal/colors"

// hook colors
var colorHook = colors.FaintHiBlue().SprintFunc()
var colorDetails = colors.ItalicFaintWhite().SprintfFunc()
