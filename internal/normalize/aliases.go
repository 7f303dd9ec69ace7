package normalize

// defaultAliases folds manufacturer spellings, former names, and brand names
// onto one canonical manufacturer. Keys and values are already normalized.
var defaultAliases = map[string]string{
	"allen bradley":           "rockwell automation",
	"ab":                      "rockwell automation",
	"rockwell":                "rockwell automation",
	"reliance electric":       "rockwell automation",
	"square d":                "schneider electric",
	"telemecanique":           "schneider electric",
	"schneider":               "schneider electric",
	"apc":                     "schneider electric",
	"cutler hammer":           "eaton",
	"eaton cutler hammer":     "eaton",
	"moeller":                 "eaton",
	"westinghouse":            "eaton",
	"ge":                      "general electric",
	"ge industrial":           "general electric",
	"siemens energy":          "siemens",
	"siemens building":        "siemens",
	"mitsubishi":              "mitsubishi electric",
	"baldor":                  "abb",
	"baldor reliance":         "abb",
	"asea brown boveri":       "abb",
	"emerson electric":        "emerson",
	"control techniques":      "nidec",
	"us motors":               "nidec",
	"sew":                     "sew eurodrive",
	"sew euro drive":          "sew eurodrive",
	"danfoss drives":          "danfoss",
	"vacon":                   "danfoss",
	"yaskawa electric":        "yaskawa",
	"magnetek":                "columbus mckinnon",
	"honeywell international": "honeywell",
	"trane technologies":      "trane",
	"american standard":       "trane",
	"carrier global":          "carrier",
	"bryant":                  "carrier",
	"york":                    "johnson controls",
	"grundfos pumps":          "grundfos",
	"parker hannifin":         "parker",
	"omron electronics":       "omron",
	"fuji":                    "fuji electric",
	"lenze ac tech":           "lenze",
	"weg electric":            "weg",
}

// knownManufacturers are canonical names recognized when detecting a
// manufacturer in free text such as OCR output.
var knownManufacturers = []string{
	"abb",
	"carrier",
	"columbus mckinnon",
	"danfoss",
	"eaton",
	"emerson",
	"fuji electric",
	"general electric",
	"grundfos",
	"honeywell",
	"johnson controls",
	"lenze",
	"lennox",
	"mitsubishi electric",
	"nidec",
	"omron",
	"parker",
	"rockwell automation",
	"schneider electric",
	"sew eurodrive",
	"siemens",
	"trane",
	"weg",
	"yaskawa",
}

// corporateSuffixes are trailing tokens dropped from manufacturer names.
var corporateSuffixes = map[string]bool{
	"inc":          true,
	"incorporated": true,
	"corp":         true,
	"corporation":  true,
	"co":           true,
	"company":      true,
	"ltd":          true,
	"limited":      true,
	"llc":          true,
	"gmbh":         true,
	"ag":           true,
	"sa":           true,
	"spa":          true,
	"plc":          true,
	"kg":           true,
	"bv":           true,
	"oy":           true,
}
