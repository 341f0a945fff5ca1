package dfproto

// BindMethodName is the procedure that resolves every other procedure's id.
const BindMethodName = "BindMethod"

// Procedure is a remote procedure with fully-qualified message type names.
type Procedure struct {
	// Plugin is empty for procedures served by the core.
	Plugin string
	Name   string
	Input  string
	Output string
}

type method struct {
	name   string
	input  string
	output string
}

// group is a set of procedures served by one plugin whose new message types
// live in one namespace.
type group struct {
	plugin    string
	namespace string
	methods   []method
}

var groups = []group{
	{"", "dfproto", []method{
		{"BindMethod", "CoreBindRequest", "CoreBindReply"},
		{"RunCommand", "CoreRunCommandRequest", "EmptyMessage"},
		{"CoreSuspend", "EmptyMessage", "IntMessage"},
		{"CoreResume", "EmptyMessage", "IntMessage"},
		{"RunLua", "CoreRunLuaRequest", "StringListMessage"},
		{"GetVersion", "EmptyMessage", "StringMessage"},
		{"GetDFVersion", "EmptyMessage", "StringMessage"},
		{"GetWorldInfo", "EmptyMessage", "GetWorldInfoOut"},
		{"ListEnums", "EmptyMessage", "ListEnumsOut"},
		{"ListJobSkills", "EmptyMessage", "ListJobSkillsOut"},
		{"ListMaterials", "ListMaterialsIn", "ListMaterialsOut"},
		{"ListUnits", "ListUnitsIn", "ListUnitsOut"},
		{"ListSquads", "ListSquadsIn", "ListSquadsOut"},
		{"SetUnitLabors", "SetUnitLaborsIn", "EmptyMessage"},
	}},
	{"rename", "dfproto", []method{
		{"RenameSquad", "RenameSquadIn", "EmptyMessage"},
		{"RenameUnit", "RenameUnitIn", "EmptyMessage"},
		{"RenameBuilding", "RenameBuildingIn", "EmptyMessage"},
	}},
	{"RemoteFortressReader", "RemoteFortressReader", []method{
		{"GetMaterialList", "EmptyMessage", "MaterialList"},
		{"GetGrowthList", "EmptyMessage", "MaterialList"},
		{"GetBlockList", "BlockRequest", "BlockList"},
		{"CheckHashes", "EmptyMessage", "EmptyMessage"},
		{"GetTiletypeList", "EmptyMessage", "TiletypeList"},
		{"GetPlantList", "BlockRequest", "PlantList"},
		{"GetUnitList", "EmptyMessage", "UnitList"},
		{"GetUnitListInside", "BlockRequest", "UnitList"},
		{"GetViewInfo", "EmptyMessage", "ViewInfo"},
		{"GetMapInfo", "EmptyMessage", "MapInfo"},
		{"ResetMapHashes", "EmptyMessage", "EmptyMessage"},
		{"GetItemList", "EmptyMessage", "MaterialList"},
		{"GetBuildingDefList", "EmptyMessage", "BuildingList"},
		{"GetWorldMap", "EmptyMessage", "WorldMap"},
		{"GetWorldMapNew", "EmptyMessage", "WorldMap"},
		{"GetRegionMaps", "EmptyMessage", "RegionMaps"},
		{"GetRegionMapsNew", "EmptyMessage", "RegionMaps"},
		{"GetCreatureRaws", "EmptyMessage", "CreatureRawList"},
		{"GetPartialCreatureRaws", "ListRequest", "CreatureRawList"},
		{"GetWorldMapCenter", "EmptyMessage", "WorldMap"},
		{"GetPlantRaws", "EmptyMessage", "PlantRawList"},
		{"GetPartialPlantRaws", "ListRequest", "PlantRawList"},
		{"CopyScreen", "EmptyMessage", "ScreenCapture"},
		{"PassKeyboardEvent", "KeyboardEvent", "EmptyMessage"},
		{"SendDigCommand", "DigCommand", "EmptyMessage"},
		{"SetPauseState", "SingleBool", "EmptyMessage"},
		{"GetPauseState", "EmptyMessage", "SingleBool"},
		{"GetVersionInfo", "EmptyMessage", "VersionInfo"},
		{"GetReports", "EmptyMessage", "Status"},
		{"GetLanguage", "EmptyMessage", "Language"},
	}},
	{"RemoteFortressReader", "AdventureControl", []method{
		{"MoveCommand", "MoveCommandParams", "EmptyMessage"},
		{"JumpCommand", "MoveCommandParams", "EmptyMessage"},
		{"MenuQuery", "EmptyMessage", "MenuContents"},
		{"MovementSelectCommand", "IntMessage", "EmptyMessage"},
		{"MiscMoveCommand", "MiscMoveParams", "EmptyMessage"},
	}},
	{"isoworldremote", "isoworldremote", []method{
		{"GetEmbarkTile", "TileRequest", "EmbarkTile"},
		{"GetEmbarkInfo", "MapRequest", "MapReply"},
		{"GetRawNames", "MapRequest", "RawNames"},
	}},
}

// qualifiedTypes maps each short message name to the namespace of the first
// group that mentions it, so shared messages such as EmptyMessage always
// resolve to their dfproto definition.
func qualifiedTypes() map[string]string {
	names := make(map[string]string)
	for _, g := range groups {
		for _, m := range g.methods {
			for _, short := range []string{m.input, m.output} {
				if _, ok := names[short]; !ok {
					names[short] = g.namespace + "." + short
				}
			}
		}
	}
	return names
}

// Procedures returns every known procedure in declaration order.
func Procedures() []Procedure {
	names := qualifiedTypes()
	var procs []Procedure
	for _, g := range groups {
		for _, m := range g.methods {
			procs = append(procs, Procedure{
				Plugin: g.plugin,
				Name:   m.name,
				Input:  names[m.input],
				Output: names[m.output],
			})
		}
	}
	return procs
}

// CoreProcedures returns the procedures served without a plugin.
func CoreProcedures() []Procedure {
	var procs []Procedure
	for _, p := range Procedures() {
		if p.Plugin == "" {
			procs = append(procs, p)
		}
	}
	return procs
}
