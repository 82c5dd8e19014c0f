package classifier

import "regexp"

// typePattern maps free-form violation names onto a canonical type.
// defaultSev applies only when the record carries no severity of its own.
type typePattern struct {
	re         *regexp.Regexp
	canonical  string
	defaultSev string
}

// violationTypePatterns are checked in order; the first match wins. More
// specific names come before the generic ones they contain.
var violationTypePatterns = []typePattern{
	// Speeding, graded by the source's own level.
	{regexp.MustCompile(`(?i)^speed(ing)?[\s_-]*(high|severe|extreme)$`), "SPEED_HIGH", "HIGH"},
	{regexp.MustCompile(`(?i)^speed(ing)?[\s_-]*(medium|moderate)$`), "SPEED_MEDIUM", "MEDIUM"},
	{regexp.MustCompile(`(?i)^(speed(ing)?([\s_-]*(low|minor))?|over[\s_-]?speed)$`), "SPEED_LOW", "LOW"},

	{regexp.MustCompile(`(?i)extreme[\s_-]*accel`), "EXTREME_ACCELERATION", "HIGH"},
	{regexp.MustCompile(`(?i)(harsh|rapid|hard)[\s_-]*accel`), "HARSH_ACCELERATION", "MEDIUM"},
	{regexp.MustCompile(`(?i)(hard|harsh|sudden)[\s_-]*brak`), "HARD_BRAKING", "MEDIUM"},
	{regexp.MustCompile(`(?i)(sudden|sharp|harsh)[\s_-]*(turn|corner)`), "SUDDEN_TURN", "MEDIUM"},
	{regexp.MustCompile(`(?i)(crash|collision|impact)`), "CRASH_DETECTION", "HIGH"},
	{regexp.MustCompile(`(?i)gps`), "GPS_QUALITY", "LOW"},
	{regexp.MustCompile(`(?i)batt(ery)?`), "BATTERY_WARNING", "LOW"},
}

// nonWordRe matches runs of characters that are not letters or digits.
var nonWordRe = regexp.MustCompile(`[^A-Za-z0-9]+`)

// Field aliases, checked in order. Violation documents carry the driver;
// vehicle events are keyed by vehicle.
var (
	idFields        = []string{"_id", "id", "violation_id", "event_id"}
	driverIDFields  = []string{"driver_uuid", "driver.uuid", "driver_info.uuid", "driver_id"}
	vehicleIDFields = []string{"vehicle.uuid", "vehicle_uuid", "vehicle_id", "driver_uuid"}
	nameFields      = []string{"driver_name", "driver_info.name", "driver.name"}
	violationFields = []string{"violation_type", "type"}
	eventTypeFields = []string{"event_type", "type"}
	severityFields  = []string{"severity", "level"}
	timeFields      = []string{"event_time", "timestamp", "occurred_at", "time"}
	speedFields     = []string{"telemetry.speed", "speed"}
)

// timeLayouts are the textual timestamp formats accepted on ingest. Values
// without a zone are taken as UTC.
var timeLayouts = []string{
	"2006-01-02T15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}
