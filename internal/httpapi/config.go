package httpapi

import "github.com/go-chi/cors"

const defaultMaxBodyBytes = 1 << 20

// maxBodyBytes caps JSON control bodies (generate, auto, pose).
var maxBodyBytes int64 = defaultMaxBodyBytes

// SetMaxBodyBytes sets the body cap. Non-positive values restore 1 MiB.
func SetMaxBodyBytes(n int64) {
	if n <= 0 {
		n = defaultMaxBodyBytes
	}
	maxBodyBytes = n
}

// CORSOptions configures browser access to the control API. A zero value
// disables CORS.
type CORSOptions struct {
	Enabled bool
	Origins []string
	Methods []string
	Headers []string
}

var corsOpts CORSOptions

// SetCORSOptions installs the CORS policy applied by NewMux.
func SetCORSOptions(o CORSOptions) { corsOpts = o }

// handlerOptions fills unset lists with values suitable for a viewer page
// driving /generate, /auto and /events.
func (o CORSOptions) handlerOptions() cors.Options {
	pick := func(v, def []string) []string {
		if len(v) == 0 {
			return def
		}
		return append([]string(nil), v...)
	}
	return cors.Options{
		AllowedOrigins: pick(o.Origins, []string{"*"}),
		AllowedMethods: pick(o.Methods, []string{"GET", "POST", "DELETE", "OPTIONS"}),
		AllowedHeaders: pick(o.Headers, []string{"Content-Type", "X-Log-Level"}),
		MaxAge:         300,
	}
}
