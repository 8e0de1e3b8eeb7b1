package probe

// Result is the outcome of a model detection attempt: the terminal model
// name and its native speed in bauds. Immutable after creation.
type Result struct {
	Model string
	Speed int
}

// Unknown is the sentinel returned when detection is inconclusive: no
// candidate produced a structurally valid reply, or the reply carried an
// unlisted ROM code. Callers treat it as "proceed at 1200 baud", not as an
// error; older members of the device family lack the identification feature.
var Unknown = Result{Model: "Unknown", Speed: 1200}

// models maps the ENQROM reply's ROM code (byte 2) to the terminal model
// and its native speed.
var models = map[byte]Result{
	'b': {Model: "Minitel 1", Speed: 1200},
	'c': {Model: "Minitel 1", Speed: 1200},
	'd': {Model: "Minitel 10", Speed: 1200},
	'e': {Model: "Minitel 1 Couleur", Speed: 1200},
	'f': {Model: "Minitel 10", Speed: 1200},
	'g': {Model: "Émulateur", Speed: 9600},
	'r': {Model: "Minitel 1", Speed: 1200},
	's': {Model: "Minitel 1 Couleur", Speed: 1200},
	't': {Model: "Terminatel 252", Speed: 1200},
	'u': {Model: "Minitel 1B", Speed: 4800},
	'v': {Model: "Minitel 2", Speed: 9600},
	'w': {Model: "Minitel 10B", Speed: 4800},
	'y': {Model: "Minitel 5", Speed: 9600},
	'z': {Model: "Minitel 12", Speed: 9600},
}

// lookupModel maps a ROM code to its model; unlisted codes yield Unknown.
func lookupModel(code byte) Result {
	if r, ok := models[code]; ok {
		return r
	}

	return Unknown
}

// speedCodes maps a baud rate to its 3-bit PRO2 PROG speed code.
var speedCodes = map[int]byte{
	300:  0b010,
	1200: 0b100,
	4800: 0b110,
	9600: 0b111,
}

// speedConfigByte builds the PRO2 PROG configuration byte for the given
// baud rate: the 3-bit speed code packed twice (emit and receive fields)
// under a fixed high bit.
//
// The receive sub-field is documented in the device literature as an
// independent parameter; it is packed identically here, literally per the
// protocol description, pending hardware validation.
func speedConfigByte(baud int) (byte, bool) {
	code, ok := speedCodes[baud]
	if !ok {
		return 0, false
	}

	return 0x40 | code<<3 | code, true
}
