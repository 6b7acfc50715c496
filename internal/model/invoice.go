package model

import (
	"reflect"
	"strings"
)

// TariffClass is the declared time-of-use class of an invoice
// (classe_temporelle_tarifaire).
type TariffClass string

const (
	TariffClassBase   TariffClass = "Base (TU)"
	TariffClassHPHC   TariffClass = "HP/HC (DT)"
	TariffClass4T     TariffClass = "4T"
	TariffClass5T     TariffClass = "5T"
	TariffClassOthers TariffClass = "Autres"
)

// InvoiceRecord is the structured content extracted from one electricity
// invoice. Every field is optional: nil means unknown.
type InvoiceRecord struct {
	Fournisseur               *string  `json:"fournisseur,omitempty"`
	PDL                       *string  `json:"pdl,omitempty"`
	PDLAdresse                *string  `json:"pdl_adresse,omitempty"`
	Type                      *string  `json:"type,omitempty"`
	Annee                     *int     `json:"annee,omitempty"`
	PeriodeDebut              *string  `json:"periode_debut,omitempty"`
	PeriodeFin                *string  `json:"periode_fin,omitempty"`
	TypeCompteur              *string  `json:"type_compteur,omitempty"`
	PuissanceSouscriteKVA     *float64 `json:"puissance_souscrite_kva,omitempty"`
	ClasseTemporelleTarifaire *string  `json:"classe_temporelle_tarifaire,omitempty"`
	OffpeakHours              *string  `json:"offpeak_hours,omitempty"`
	DistributionTariff        *string  `json:"distribution_tariff,omitempty"`

	Conso             *Consumption        `json:"conso,omitempty"`
	TarifFourniture   *SupplyTariff       `json:"tarif_fourniture,omitempty"`
	TarifAbonnement   *float64            `json:"tarif_abonnement,omitempty"`
	TarifAcheminement *DistributionCharge `json:"tarif_acheminement,omitempty"`

	TarifCTAParKWh              *float64 `json:"tarif_cta_parkwh,omitempty"`
	MontantCTA                  *float64 `json:"montant_cta,omitempty"`
	TarifCEE                    *float64 `json:"tarif_cee,omitempty"`
	ConsoCEE                    *float64 `json:"conso_cee,omitempty"`
	TarifObligationDeCapacite   *float64 `json:"tarif_obligation_de_capacite,omitempty"`
	MontantObligationDeCapacite *float64 `json:"montant_obligation_de_capacite,omitempty"`
	TarifGarantieOrigine        *float64 `json:"tarif_garantie_origine,omitempty"`

	PrixTotalHT                 *float64 `json:"prix_total_ht,omitempty"`
	PrixTotalTTC                *float64 `json:"prix_total_ttc,omitempty"`
	MontantFournitureHT         *float64 `json:"montant_fourniture_ht,omitempty"`
	MontantAcheminementHT       *float64 `json:"montant_acheminement_ht,omitempty"`
	MontantTaxesEtContributions *float64 `json:"montant_taxes_et_contributions,omitempty"`
	MontantTVA                  *float64 `json:"montant_TVA,omitempty"`
	Accise                      *float64 `json:"accise,omitempty"`
	MontantAccise               *float64 `json:"montant_accise,omitempty"`
}

// Consumption holds consumed energy in kWh per time-of-use bucket.
type Consumption struct {
	ConsoTotale *float64 `json:"conso_totale,omitempty"`
	ConsoHP     *float64 `json:"conso_hp,omitempty"`
	ConsoHC     *float64 `json:"conso_hc,omitempty"`
	ConsoHPH    *float64 `json:"conso_hph,omitempty"`
	ConsoHCH    *float64 `json:"conso_hch,omitempty"`
	ConsoHPB    *float64 `json:"conso_hpb,omitempty"`
	ConsoHCB    *float64 `json:"conso_hcb,omitempty"`
	ConsoPointe *float64 `json:"conso_pointe,omitempty"`
}

// SupplyTariff holds supply unit prices per time-of-use bucket.
type SupplyTariff struct {
	TarifBaseParKWh   *float64 `json:"tarif_base_parkwh,omitempty"`
	TarifHPParKWh     *float64 `json:"tarif_hp_parkwh,omitempty"`
	TarifHCParKWh     *float64 `json:"tarif_hc_parkwh,omitempty"`
	TarifHPHParKWh    *float64 `json:"tarif_hph_parkwh,omitempty"`
	TarifHCHParKWh    *float64 `json:"tarif_hch_parkwh,omitempty"`
	TarifHPBParKWh    *float64 `json:"tarif_hpb_parkwh,omitempty"`
	TarifHCBParKWh    *float64 `json:"tarif_hcb_parkwh,omitempty"`
	TarifPointeParKWh *float64 `json:"tarif_pointe_parkwh,omitempty"`
}

// DistributionCharge holds the network (acheminement) charges.
type DistributionCharge struct {
	PartFixe     *float64 `json:"montant_acheminement_part_fixe,omitempty"`
	PartVariable *float64 `json:"montant_acheminement_part_variable,omitempty"`
}

// FieldValue is one leaf of an InvoiceRecord addressed by its dotted path.
// Value is nil when the field is absent.
type FieldValue struct {
	Path  string
	Value any
}

// FieldGroup is a nested group of an InvoiceRecord with its present leaves.
type FieldGroup struct {
	Name   string
	Leaves []FieldValue
}

// Fields returns the present leaves of r in declaration order. Leaves of
// nested groups are addressed as "group.leaf".
func (r *InvoiceRecord) Fields() []FieldValue {
	var out []FieldValue
	walkRecord(r, func(path string, v any, _ string) {
		if v != nil {
			out = append(out, FieldValue{Path: path, Value: v})
		}
	})
	return out
}

// Groups returns the nested groups that are present on r.
func (r *InvoiceRecord) Groups() []FieldGroup {
	var out []FieldGroup
	if r == nil {
		return nil
	}
	rv := reflect.ValueOf(r).Elem()
	rt := rv.Type()
	for i := range rt.NumField() {
		f := rv.Field(i)
		if f.Kind() != reflect.Pointer || f.Type().Elem().Kind() != reflect.Struct || f.IsNil() {
			continue
		}
		name := jsonName(rt.Field(i))
		g := FieldGroup{Name: name}
		walkStruct(f.Elem(), name+".", func(path string, v any, _ string) {
			if v != nil {
				g.Leaves = append(g.Leaves, FieldValue{Path: path, Value: v})
			}
		})
		out = append(out, g)
	}
	return out
}

// FieldPaths lists every leaf path of the schema in declaration order,
// whether or not the leaf is set.
func FieldPaths() []string {
	var out []string
	walkRecord(&InvoiceRecord{}, func(path string, _ any, _ string) {
		out = append(out, path)
	})
	return out
}

// FieldKinds maps every leaf path to its Go kind name ("string", "int" or
// "float64").
func FieldKinds() map[string]string {
	out := make(map[string]string)
	walkRecord(&InvoiceRecord{}, func(path string, _ any, kind string) {
		out[path] = kind
	})
	return out
}

// Value returns the leaf at path, or nil if it is absent or unknown.
func (r *InvoiceRecord) Value(path string) any {
	var found any
	walkRecord(r, func(p string, v any, _ string) {
		if p == path {
			found = v
		}
	})
	return found
}

// IsEmpty reports whether no field of r is set.
func (r *InvoiceRecord) IsEmpty() bool {
	return r == nil || len(r.Fields()) == 0
}

// Supplier returns the supplier name or "".
func (r *InvoiceRecord) Supplier() string {
	if r == nil || r.Fournisseur == nil {
		return ""
	}
	return strings.TrimSpace(*r.Fournisseur)
}

// Merge overlays the present leaves of src onto r. Leaves absent from src
// keep their current value on r.
func (r *InvoiceRecord) Merge(src *InvoiceRecord) {
	if r == nil || src == nil {
		return
	}
	mergeStruct(reflect.ValueOf(r).Elem(), reflect.ValueOf(src).Elem())
}

func mergeStruct(dst, src reflect.Value) {
	for i := range src.NumField() {
		sf := src.Field(i)
		if sf.Kind() != reflect.Pointer || sf.IsNil() {
			continue
		}
		df := dst.Field(i)
		if sf.Type().Elem().Kind() == reflect.Struct {
			if df.IsNil() {
				df.Set(reflect.New(sf.Type().Elem()))
			}
			mergeStruct(df.Elem(), sf.Elem())
			continue
		}
		v := reflect.New(sf.Type().Elem())
		v.Elem().Set(sf.Elem())
		df.Set(v)
	}
}

// walkRecord visits every leaf of r, descending into absent groups with
// nil values so that the path set stays stable.
func walkRecord(r *InvoiceRecord, fn func(path string, v any, kind string)) {
	if r == nil {
		r = &InvoiceRecord{}
	}
	walkStruct(reflect.ValueOf(r).Elem(), "", fn)
}

func walkStruct(rv reflect.Value, prefix string, fn func(path string, v any, kind string)) {
	rt := rv.Type()
	for i := range rt.NumField() {
		f := rv.Field(i)
		name := prefix + jsonName(rt.Field(i))
		if f.Kind() != reflect.Pointer {
			continue
		}
		elem := f.Type().Elem()
		if elem.Kind() == reflect.Struct {
			if f.IsNil() {
				walkStruct(reflect.New(elem).Elem(), name+".", fn)
				continue
			}
			walkStruct(f.Elem(), name+".", fn)
			continue
		}
		if f.IsNil() {
			fn(name, nil, elem.Kind().String())
			continue
		}
		fn(name, f.Elem().Interface(), elem.Kind().String())
	}
}

func jsonName(sf reflect.StructField) string {
	tag := sf.Tag.Get("json")
	if name, _, _ := strings.Cut(tag, ","); name != "" {
		return name
	}
	return sf.Name
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
