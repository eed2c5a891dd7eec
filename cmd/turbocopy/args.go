package main

import "strings"

// knownFlags is the whitelist of flag names this CLI recognizes,
// lowercased and without the leading slash. translateArgs
// only treats a "/token" as a flag when its name (before any ":value"
// suffix) is in this set; everything else passes through untouched, so
// a Unix absolute path like "/home/user/src" is never mistaken for a
// flag (the native flag syntax assumes it never has to make that
// distinction, since it only ever runs against backslash paths).
var knownFlags = map[string]bool{
	"s": true, "e": true, "lev": true, "j": true, "nj": true,
	"purge": true, "mir": true, "ksy": true, "f": true,
	"i": true, "ix": true, "xf": true, "xd": true, "of": true,
	"mt": true, "noserver": true, "server": true,
	"serveraddr": true, "serverport": true,
	"c": true, "dc": true, "dcopy": true, "nodcopy": true,
	"r": true, "w": true, "log": true, "logmin": true,
	"verbose": true, "njh": true, "njs": true, "np": true,
	"stats": true,
}

// listFlags consume every following non-flag token as a separate value
// ("/XF pattern1 pattern2 ..." capture-until-next-flag style),
// translated here into repeated "--name value" pairs pflag's
// StringArray flags accept natively.
var listFlags = map[string]bool{"i": true, "ix": true, "xf": true, "xd": true, "of": true}

// spaceValueFlags take their value as the next whitespace-separated
// token rather than after a colon.
var spaceValueFlags = map[string]bool{"serveraddr": true}

// translateArgs rewrites the tool's native "/FLAG[:value]" argv into
// the "--flag[=value]" form pflag parses, leaving positional arguments
// (source, dest, explicit file names) untouched.
func translateArgs(argv []string) []string {
	out := make([]string, 0, len(argv))
	i := 0
	for i < len(argv) {
		tok := argv[i]
		name, val, hasVal, ok := splitFlagToken(tok)
		if !ok {
			out = append(out, tok)
			i++
			continue
		}

		switch {
		case listFlags[name]:
			i++
			for i < len(argv) {
				if _, _, _, isFlag := splitFlagToken(argv[i]); isFlag {
					break
				}
				out = append(out, "--"+name, argv[i])
				i++
			}
		case spaceValueFlags[name]:
			i++
			if i < len(argv) {
				out = append(out, "--"+name, argv[i])
				i++
			}
		case hasVal:
			out = append(out, "--"+name+"="+val)
			i++
		default:
			out = append(out, "--"+name)
			i++
		}
	}
	return out
}

func splitFlagToken(tok string) (name, val string, hasVal, ok bool) {
	if len(tok) < 2 || tok[0] != '/' {
		return "", "", false, false
	}
	body := tok[1:]
	if idx := strings.IndexByte(body, ':'); idx >= 0 {
		name = strings.ToLower(body[:idx])
		val = body[idx+1:]
		hasVal = true
	} else {
		name = strings.ToLower(body)
	}
	if !knownFlags[name] {
		return "", "", false, false
	}
	return name, val, hasVal, true
}
