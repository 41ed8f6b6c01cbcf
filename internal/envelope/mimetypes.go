package envelope

import (
	"mime"
	"path"
	"strings"
)

// octetStream is the fallback type for payloads whose type cannot be
// determined or whose name carries a compression suffix.
const octetStream = "application/octet-stream"

// PartKind classifies an attachment part by its major media type.
type PartKind int

const (
	KindBinary PartKind = iota
	KindText
	KindImage
	KindAudio
)

func (k PartKind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindImage:
		return "image"
	case KindAudio:
		return "audio"
	default:
		return "binary"
	}
}

// KindOf maps a major media type to the part kind built for it.
func KindOf(major string) PartKind {
	switch major {
	case "text":
		return KindText
	case "image":
		return KindImage
	case "audio":
		return KindAudio
	default:
		return KindBinary
	}
}

// encodingSuffixes are extensions that denote a content encoding rather than
// a content type ("report.csv.gz" is gzip-encoded CSV).
var encodingSuffixes = map[string]string{
	".gz":  "gzip",
	".z":   "compress",
	".bz2": "bzip2",
	".xz":  "xz",
	".br":  "br",
}

// suffixAliases expand shorthand extensions before lookup.
var suffixAliases = map[string]string{
	".svgz": ".svg.gz",
	".tgz":  ".tar.gz",
	".taz":  ".tar.gz",
	".tz":   ".tar.gz",
	".tbz2": ".tar.bz2",
	".txz":  ".tar.xz",
}

// knownTypes is consulted before the platform MIME tables, which vary between
// hosts and are missing entirely on minimal container images.
var knownTypes = map[string]string{
	".txt":  "text/plain",
	".text": "text/plain",
	".log":  "text/plain",
	".csv":  "text/csv",
	".tsv":  "text/tab-separated-values",
	".htm":  "text/html",
	".html": "text/html",
	".css":  "text/css",
	".md":   "text/markdown",
	".xml":  "text/xml",
	".ics":  "text/calendar",
	".vcf":  "text/x-vcard",
	".js":   "text/javascript",

	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".jpe":  "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".bmp":  "image/bmp",
	".svg":  "image/svg+xml",
	".tif":  "image/tiff",
	".tiff": "image/tiff",
	".ico":  "image/vnd.microsoft.icon",
	".webp": "image/webp",
	".heic": "image/heic",
	".avif": "image/avif",

	".mp3":  "audio/mpeg",
	".wav":  "audio/x-wav",
	".ogg":  "audio/ogg",
	".oga":  "audio/ogg",
	".opus": "audio/opus",
	".m4a":  "audio/mp4",
	".aac":  "audio/aac",
	".flac": "audio/flac",

	".mp4":  "video/mp4",
	".mov":  "video/quicktime",
	".webm": "video/webm",
	".avi":  "video/x-msvideo",

	".pdf":  "application/pdf",
	".json": "application/json",
	".zip":  "application/zip",
	".tar":  "application/x-tar",
	".rtf":  "application/rtf",
	".doc":  "application/msword",
	".xls":  "application/vnd.ms-excel",
	".ppt":  "application/vnd.ms-powerpoint",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	".odt":  "application/vnd.oasis.opendocument.text",
	".ods":  "application/vnd.oasis.opendocument.spreadsheet",
	".wasm": "application/wasm",
}

// ResolveContentType returns the media type (without parameters) used for an
// attachment: the explicit type when it parses, otherwise a guess from the
// filename, otherwise application/octet-stream.
func ResolveContentType(filename, explicit string) string {
	if explicit != "" {
		if mediaType, _, err := mime.ParseMediaType(explicit); err == nil && strings.Contains(mediaType, "/") {
			return mediaType
		}
	}
	if guessed := guessType(filename); guessed != "" {
		return guessed
	}
	return octetStream
}

// ExplicitCharset returns the charset parameter of an explicit content type,
// or "" when there is none or the type is not usable.
func ExplicitCharset(explicit string) string {
	mediaType, params, err := mime.ParseMediaType(explicit)
	if err != nil || !strings.Contains(mediaType, "/") {
		return ""
	}
	return params["charset"]
}

// SplitType splits a media type into its major and minor parts.
func SplitType(mediaType string) (string, string) {
	major, minor, ok := strings.Cut(mediaType, "/")
	if !ok || major == "" || minor == "" {
		return "application", "octet-stream"
	}
	return major, minor
}

// guessType infers a media type from a filename extension. It returns "" when
// the name has no usable extension or ends in a content-encoding suffix.
func guessType(filename string) string {
	name := strings.ToLower(path.Base(strings.ReplaceAll(filename, "\\", "/")))
	base, ext := splitExt(name)
	if alias, ok := suffixAliases[ext]; ok {
		base, ext = splitExt(base + alias)
	}
	if _, encoded := encodingSuffixes[ext]; encoded {
		return ""
	}
	if ext == "" {
		return ""
	}
	if mediaType, ok := knownTypes[ext]; ok {
		return mediaType
	}
	if byExt := mime.TypeByExtension(ext); byExt != "" {
		if mediaType, _, err := mime.ParseMediaType(byExt); err == nil {
			return mediaType
		}
	}
	return ""
}

func splitExt(name string) (string, string) {
	ext := path.Ext(name)
	if ext == name {
		// dotfiles such as ".bashrc" have no extension
		return name, ""
	}
	return strings.TrimSuffix(name, ext), ext
}
