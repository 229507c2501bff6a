package domain

// Canonical column vocabulary. The schema mapper renames flattened source
// columns into these names; everything downstream reads only these.
const (
	ColCustomerID       = "CUSTOMER_ID"
	ColChurn            = "CHURN"
	ColGender           = "GENDER"
	ColSeniorCitizen    = "SENIOR_CITIZEN"
	ColPartner          = "PARTNER"
	ColDependents       = "DEPENDENTS"
	ColTenureMonths     = "TENURE_MONTHS"
	ColPhoneService     = "PHONE_SERVICE"
	ColMultipleLines    = "MULTIPLE_LINES"
	ColInternetService  = "INTERNET_SERVICE"
	ColOnlineSecurity   = "ONLINE_SECURITY"
	ColOnlineBackup     = "ONLINE_BACKUP"
	ColDeviceProtection = "DEVICE_PROTECTION"
	ColTechSupport      = "TECH_SUPPORT"
	ColStreamingTV      = "STREAMING_TV"
	ColStreamingMovies  = "STREAMING_MOVIES"
	ColContract         = "CONTRACT"
	ColPaperlessBilling = "PAPERLESS_BILLING"
	ColPaymentMethod    = "PAYMENT_METHOD"
	ColMonthlyCharges   = "MONTHLY_CHARGES"
	ColTotalCharges     = "TOTAL_CHARGES"
)

// GroupingColumns are the attributes a crosstab may be grouped by.
var GroupingColumns = []string{ColInternetService, ColContract, ColPaymentMethod}

// FilterColumns are the attributes the report view can be filtered on.
var FilterColumns = []string{ColGender, ColContract, ColInternetService}

// DistributionColumns are the attributes with grouped churn bar distributions.
var DistributionColumns = []string{ColGender, ColSeniorCitizen}

// DefaultFeatureColumns is the fixed feature set used for training.
var DefaultFeatureColumns = []string{
	ColContract,
	ColInternetService,
	ColPaymentMethod,
	ColTenureMonths,
	ColSeniorCitizen,
	ColOnlineSecurity,
	ColOnlineBackup,
	ColDeviceProtection,
	ColStreamingTV,
	ColStreamingMovies,
	ColMonthlyCharges,
}

// ChurnLabel returns the binary target of a canonical row and whether it is defined.
func ChurnLabel(r Row) (int, bool) {
	f, ok := r.Get(ColChurn).Num()
	if !ok {
		return 0, false
	}
	switch f {
	case 0:
		return 0, true
	case 1:
		return 1, true
	}
	return 0, false
}

// HasTarget reports whether the row has a defined churn label.
func HasTarget(r Row) bool {
	_, ok := ChurnLabel(r)
	return ok
}

// ScoredEntity is one customer with its churn probability and alert flag.
type ScoredEntity struct {
	CustomerID  string  `json:"customerId"`
	Probability float64 `json:"probability"`
	HighRisk    bool    `json:"highRisk"`

	// InTraining marks customers that were part of the training partition;
	// their scores are optimistic and must not be used for quality claims.
	InTraining bool `json:"inTraining"`
}
